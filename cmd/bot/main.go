package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"stockbot/internal/config"
	"stockbot/internal/core"
	logx "stockbot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./stockbot.yaml", "path to optional yaml config")
	flag.Parse()

	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logSvc, log := logx.New(logx.Config{Level: "info"})
	defer logSvc.Close()

	mgr := config.NewManager(cfgPath, log.With(logx.String("comp", "config")))
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	level := "info"
	if cfg.Logging.Debug {
		level = "debug"
	}
	logSvc.Apply(logx.Config{Level: level, File: cfg.Logging.File})

	app, err := core.New(mgr, logSvc, log)
	if err != nil {
		log.Error("init failed", logx.Err(err))
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	// No-op outside systemd units.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	err = app.Wait(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = app.Stop(stopCtx)
	stopCancel()

	if err != nil && ctx.Err() == nil {
		log.Error("exited with error", logx.Err(err))
		os.Exit(1)
	}
}
