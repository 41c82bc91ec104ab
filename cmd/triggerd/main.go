package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"triggerd/internal/app"
	"triggerd/internal/config"
	logx "triggerd/pkg/logx"
)

const stopTimeout = 15 * time.Second

func main() {
	// Console logger for output outside the configured sinks.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))
	if err := run(boot); err != nil {
		boot.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

func run(boot logx.Logger) error {
	var cfgPath string
	var check bool

	flagSet := pflag.NewFlagSet("triggerd", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./triggerd.yaml", "path to config file (.yaml, .yml or .json)")
	flagSet.BoolVar(&check, "check", false, "validate the config file and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if check {
		cfg, err := app.Check(cfgPath)
		if err != nil {
			return err
		}
		boot.Info("config ok", logx.String("path", cfgPath), logx.Int("jobs", len(cfg.Jobs)), logx.Int("enabled", len(config.EnabledJobs(cfg))))
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is fine; SdNotify reports (false, nil).
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		boot.Warn("sd_notify failed", logx.Err(err))
	}

	// a.Done also closes on a signal; only a fatal error leaves ctx alive.
	<-a.Done()
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
