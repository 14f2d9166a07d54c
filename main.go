package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/b0bbywan/go-portal-bypass/api"
	"github.com/b0bbywan/go-portal-bypass/backend"
	"github.com/b0bbywan/go-portal-bypass/config"
	"github.com/b0bbywan/go-portal-bypass/logger"
)

func main() {
	cfg, err := config.New(os.Args[1:])
	if err != nil {
		logger.Fatal("[%s] Failed to load config: %v", config.AppName, err)
	}

	// Set log levels from config, and keep following the file
	cfg.Apply()
	cfg.Watch()

	// Global context for the entire application, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.New(ctx, cfg)
	if err != nil {
		logger.Fatal("[%s] Backend initialization failed: %v", config.AppName, err)
	}

	if err := b.Start(); err != nil {
		b.Close()
		logger.Fatal("[%s] Backend start failed: %v", config.AppName, err)
	}

	if server := api.NewServer(cfg.Api, b); server != nil {
		go func() {
			if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("[%s] http server error: %v", config.AppName, err)
			}
		}()
	}

	notify(daemon.SdNotifyReady)
	logger.Info("[%s] started", config.AppName)

	<-ctx.Done()
	logger.Info("[%s] Shutdown signal received, stopping...", config.AppName)
	notify(daemon.SdNotifyStopping)

	b.Close()
	logger.Info("[%s] stopped", config.AppName)
}

func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		logger.Warn("[%s] sd_notify %q failed: %v", config.AppName, state, err)
	case !sent:
		logger.Debug("[%s] not running under systemd notify", config.AppName)
	}
}
