package notify

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSMTPMailer_Send(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Port: "587", User: "bot@example.com", Pass: "pw", From: "bot@example.com"})
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	subject, body := ApprovalMessage()
	require.NoError(t, m.Send(context.Background(), "a@x.com", subject, body))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "bot@example.com", gotFrom)
	assert.Equal(t, []string{"a@x.com"}, gotTo)
	msg := string(gotMsg)
	assert.True(t, strings.HasPrefix(msg, "From: bot@example.com\r\nTo: a@x.com\r\n"))
	assert.Contains(t, msg, "Subject: "+subject+"\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n"+body))
}

func TestSMTPMailer_SendError(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Port: "25"})
	m.send = func(context.Context, string, smtp.Auth, string, []string, []byte) error { return errors.New("relay denied") }

	err := m.Send(context.Background(), "a@x.com", "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay denied")
}

func TestSMTPMailer_ContextDone(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Port: "25"})
	release := make(chan struct{})
	defer close(release)
	m.send = func(ctx context.Context, _ string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, "a@x.com", "s", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSMTPMailer_RejectsHeaderInjection(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Port: "25"})
	m.send = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called")
		return nil
	}
	err := m.Send(context.Background(), "a@x.com\r\nBcc: evil@x.com", "s", "b")
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestNew_FallsBackToLog(t *testing.T) {
	d := New(Config{}, zap.NewNop().Sugar())
	_, ok := d.(*LogDispatcher)
	require.True(t, ok)
	assert.NoError(t, d.Send(context.Background(), "a@x.com", "s", "b"))
}

func TestSMTPMailer_TimeoutDefault(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Port: "25"})
	assert.Equal(t, DefaultTimeout, m.cfg.Timeout)

	t.Setenv("SMTP_TIMEOUT", "3s")
	assert.Equal(t, 3*time.Second, ConfigFromEnv().Timeout)
}

// listen starts a TCP relay on loopback and hands every connection to serve.
func listen(t *testing.T, serve func(net.Conn)) (host, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				serve(conn)
			}()
		}
	}()
	host, port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port
}

func TestSMTPMailer_StalledRelay(t *testing.T) {
	host, port := listen(t, func(conn net.Conn) {
		// accept, never greet; return once the client hangs up
		_, _ = conn.Read(make([]byte, 1))
	})
	m := NewSMTPMailer(Config{Host: host, Port: port, From: "bot@example.com", Timeout: 200 * time.Millisecond})

	start := time.Now()
	err := m.Send(context.Background(), "a@x.com", "s", "b")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPMailer_StalledRelayContextCancel(t *testing.T) {
	host, port := listen(t, func(conn net.Conn) {
		_, _ = conn.Read(make([]byte, 1))
	})
	m := NewSMTPMailer(Config{Host: host, Port: port, From: "bot@example.com", Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Send(ctx, "a@x.com", "s", "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPMailer_Conversation(t *testing.T) {
	var mu sync.Mutex
	var commands []string
	var data strings.Builder
	host, port := listen(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 relay ready")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimRight(line, "\r\n")
			mu.Lock()
			commands = append(commands, cmd)
			mu.Unlock()
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				reply("250 relay")
			case strings.HasPrefix(cmd, "DATA"):
				reply("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil || l == ".\r\n" {
						break
					}
					mu.Lock()
					data.WriteString(l)
					mu.Unlock()
				}
				reply("250 queued")
			case strings.HasPrefix(cmd, "QUIT"):
				reply("221 bye")
				return
			default:
				reply("250 ok")
			}
		}
	})
	m := NewSMTPMailer(Config{Host: host, Port: port, From: "bot@example.com", Timeout: 2 * time.Second})

	subject, body := ApprovalMessage()
	require.NoError(t, m.Send(context.Background(), "a@x.com", subject, body))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(commands), 5)
	assert.Equal(t, "MAIL FROM:<bot@example.com>", commands[1])
	assert.Equal(t, "RCPT TO:<a@x.com>", commands[2])
	assert.Contains(t, data.String(), "Subject: "+subject)
	assert.Equal(t, "QUIT", commands[len(commands)-1])
}
