package utilities

import (
	"fmt"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	Dev   bool

	// File, when set, also writes JSON logs to File.<date>, rotated every
	// RotateEvery and kept for MaxAge. File itself is a symlink to the current one.
	File        string
	MaxAge      time.Duration
	RotateEvery time.Duration
}

// ConfigFromEnv reads minimal config from env vars.
func ConfigFromEnv() Config {
	dev := os.Getenv("LOG_DEV") == "1"
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		if dev {
			lvl = "debug"
		} else {
			lvl = "info"
		}
	}
	cfg := Config{
		Level:       lvl,
		Dev:         dev,
		File:        os.Getenv("LOG_FILE"),
		MaxAge:      7 * 24 * time.Hour,
		RotateEvery: 24 * time.Hour,
	}
	if d, err := time.ParseDuration(os.Getenv("LOG_MAX_AGE")); err == nil && d > 0 {
		cfg.MaxAge = d
	}
	if d, err := time.ParseDuration(os.Getenv("LOG_ROTATE_EVERY")); err == nil && d > 0 {
		cfg.RotateEvery = d
	}
	return cfg
}

func levelFromString(l string) zapcore.Level {
	switch l {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init initializes and returns a *zap.Logger
func Init(cfg Config) (*zap.Logger, error) {
	lvl := levelFromString(cfg.Level)
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}

	var console zapcore.Core
	if cfg.Dev {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		console = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), lvl)
		opts = append(opts, zap.Development())
	} else {
		console = zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(os.Stdout), lvl)
	}
	if cfg.File == "" {
		return zap.New(console, opts...), nil
	}

	w, err := rotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	file := zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(w), lvl)
	return zap.New(zapcore.NewTee(console, file), opts...), nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoderCfg
}

func rotatingWriter(cfg Config) (*rotatelogs.RotateLogs, error) {
	w, err := rotatelogs.New(
		cfg.File+".%Y%m%d%H%M",
		rotatelogs.WithLinkName(cfg.File),
		rotatelogs.WithMaxAge(cfg.MaxAge),
		rotatelogs.WithRotationTime(cfg.RotateEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return w, nil
}
