package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"jobd/internal/api"
	"jobd/internal/config"
	"jobd/internal/handler"
	"jobd/internal/observability"
	"jobd/internal/scheduler"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./jobd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(cfg.Log)
	defer logSvc.Close()

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		log.Error("store open failed", logx.String("driver", cfg.Store.Driver), logx.Err(err))
		os.Exit(1)
	}
	defer st.Close()
	log.Info("store ready", logx.String("driver", cfg.Store.Driver))

	metrics := observability.New()

	// Payload handlers are registered per job type. Deployments embed jobd
	// and register their own; the built-in noop exists for smoke tests and
	// config dry runs.
	reg := handler.NewRegistry()
	reg.Register("noop", handler.Func(func(ctx context.Context, cfg json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))

	coord := scheduler.NewCoordinator(cfg.Scheduler, st, cfg.Jobs, reg, log, metrics)
	coord.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.APIEnabled {
		srv := api.New(coord, st, metrics, log)
		if cfg.APIDebug {
			srv.EnableDebug()
		}
		g.Go(func() error { return srv.Run(gctx, cfg.APIAddr) })
	}

	// Tell systemd we're up (no-op outside a unit).
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-gctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := coord.Stop(stopCtx); err != nil {
		log.Warn("scheduler stop incomplete", logx.Err(err))
	}
	_ = g.Wait()
}
