package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/challenge"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/router"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/session"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-account-go-stdlib")

	store, revocations, closeStore := openStore(sugar)
	defer closeStore()

	sessCfg, err := session.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("session config: %v", err)
	}
	if sessCfg.Ephemeral {
		sugar.Warn("SESSION_SECRET is not set; sessions will not survive a restart")
	}
	issuer, err := session.NewIssuer(sessCfg)
	if err != nil {
		sugar.Fatalf("session issuer: %v", err)
	}
	issuer.WithRevocations(revocations)

	chCfg := challenge.ConfigFromEnv()
	if chCfg.Disabled {
		sugar.Warn("bot challenge is disabled")
	} else if chCfg.Secret == "" {
		sugar.Warn("RECAPTCHA_SECRET_KEY is not set; every login will be rejected as automated")
	}
	mailCfg := notify.ConfigFromEnv()
	if mailCfg.Host == "" {
		sugar.Warn("SMTP_HOST is not set; approval mails are only logged")
	}

	svc := account.NewAccountService(store, account.HasherFromEnv(), challenge.New(chCfg), notify.New(mailCfg, sugar), issuer, sugar)
	handler := router.RegisterRoutes(sugar, account.NewHandler(svc, issuer, sugar), router.ConfigFromEnv())

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = "0.0.0.0:8432"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// openStore returns the Postgres stores, or in-process ones when
// ACCOUNT_STORE=memory.
func openStore(sugar *zap.SugaredLogger) (account.Store, session.Revocations, func()) {
	if os.Getenv("ACCOUNT_STORE") == "memory" {
		sugar.Warn("using in-memory account store; data is lost on restart")
		return repo.NewMemoryRepo(), session.NewMemoryRevocations(), func() {}
	}

	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	accounts := repo.NewAccountRepo(db)
	revocations := session.NewSQLRevocations(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := accounts.EnsureTable(ctx); err != nil {
		db.Close()
		sugar.Fatalf("ensure accounts table: %v", err)
	}
	if err := revocations.EnsureTable(ctx); err != nil {
		db.Close()
		sugar.Fatalf("ensure session_revocations table: %v", err)
	}
	if n, err := revocations.Purge(ctx); err != nil {
		sugar.Warnf("purge expired revocations: %v", err)
	} else if n > 0 {
		sugar.Infow("purged expired session revocations", "count", n)
	}
	return accounts, revocations, func() { db.Close() }
}
