package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sebas/captionrelay/internal/app"
	"github.com/sebas/captionrelay/internal/banner"
	"github.com/sebas/captionrelay/internal/config"
	"github.com/sebas/captionrelay/internal/logger"
	"github.com/sebas/captionrelay/internal/session"
)

const hangupWait = 5 * time.Second

// caller is the part of the coordinator the actions drive.
type caller interface {
	StartCall()
	TestCall()
	MakeCall()
	CancelCall()
	AnswerCall(sessionID string)
	IgnoreCall(sessionID string)
	PickUpCall()
	StartCaptions()
}

var errUsage = errors.New("usage: captionctl [flags] <start|test|make|cancel|answer ID|ignore ID|pickup|captions>")

// dispatch runs the action named by args[0].
func dispatch(c caller, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	arg := func() (string, error) {
		if len(args) < 2 || args[1] == "" {
			return "", fmt.Errorf("%s needs a session id: %w", args[0], errUsage)
		}
		return args[1], nil
	}
	switch strings.ToLower(args[0]) {
	case "start":
		c.StartCall()
	case "test":
		c.TestCall()
	case "make":
		c.MakeCall()
	case "cancel":
		c.CancelCall()
	case "answer":
		id, err := arg()
		if err != nil {
			return err
		}
		c.AnswerCall(id)
	case "ignore":
		id, err := arg()
		if err != nil {
			return err
		}
		c.IgnoreCall(id)
	case "pickup":
		c.PickUpCall()
	case "captions":
		c.StartCaptions()
	default:
		return fmt.Errorf("unknown action %q: %w", args[0], errUsage)
	}
	return nil
}

// finished reports whether ev ends the CLI run.
func finished(ev session.Event) bool {
	return ev == session.EventCallEnded || ev == session.EventConnectFailed
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if len(cfg.Args) == 0 {
		fmt.Fprintln(os.Stderr, errUsage)
		os.Exit(2)
	}

	banner.Print(os.Stdout, "captionctl "+strings.Join(cfg.Args, " "), []banner.ConfigLine{
		{Label: "Environment", Value: cfg.Environment.String()},
		{Label: "Endpoint", Value: endpointString(cfg)},
		{Label: "Transport", Value: cfg.Transport.String()},
		{Label: "Number", Value: cfg.Call.Number},
		{Label: "SIP registrar", Value: orNone(cfg.SIPRegistrar)},
		{Label: "Status API", Value: orNone(cfg.APIAddr)},
		{Label: "Health", Value: orNone(cfg.HealthAddr)},
	})

	end := make(chan session.Event, 1)
	cb := session.CallbackFuncs{
		State: func(ev session.Event, msg string) {
			slog.Info("[Client] State", "event", ev.String(), "msg", msg)
			if finished(ev) {
				select {
				case end <- ev:
				default:
				}
			}
		},
		Error: func(code, msg string) {
			slog.Warn("[Client] Error", "code", code, "msg", msg)
		},
	}

	a, err := app.New(cfg, cb)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		slog.Error("Failed to start client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		a.Serve(ctx)
	}()

	if err := dispatch(a.Coordinator(), cfg.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		<-served
		os.Exit(2)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case ev := <-end:
		slog.Info("Call finished", "event", ev.String())
	case sig := <-sigChan:
		slog.Info("Received signal, hanging up", "signal", sig)
		a.Coordinator().EndCall()
		select {
		case <-end:
		case <-time.After(hangupWait):
			slog.Warn("Hangup not confirmed, exiting")
		}
	}

	cancel()
	<-served
}

func endpointString(cfg *config.Config) string {
	ep := cfg.Endpoint()
	host := ep.Host
	if host == "" {
		host = ep.WSHost
	}
	return fmt.Sprintf("%s:%d", host, ep.Port)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
