package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"taskmill/internal/api"
	"taskmill/internal/app"
	"taskmill/internal/config"
	"taskmill/internal/eventbus"
	logx "taskmill/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	log = log.With(logx.String("comp", "main"))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error { return c.Validate() })
	go func() { _ = cfgm.Watch(ctx) }()

	// Hot reload applies logging live; engine and store sections take
	// effect on restart.
	reloads := cfgm.Subscribe(1)
	defer cfgm.Unsubscribe(reloads)
	go func() {
		for c := range reloads {
			logSvc.Apply(logx.Config{
				Level:   c.Logging.Level,
				Console: c.Logging.Console,
				File: logx.FileConfig{
					Enabled: c.Logging.File.Enabled,
					Path:    c.Logging.File.Path,
				},
			})
			log.Info("logging reconfigured", logx.String("level", c.Logging.Level))
		}
	}()

	bus := eventbus.New()
	go logEngineEvents(bus, log.With(logx.String("comp", "events")))
	mgr := app.NewManager(cfg, newExecutor(log), log, bus)
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var srv *http.Server
	srvErr := make(chan error, 1)
	if cfg.API.Enabled {
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.NewServer(mgr, log.With(logx.String("comp", "api"))),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("api listening", logx.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	log.Info("taskmill started", logx.String("config", cfgPath))

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		log.Error("api server failed", logx.Err(err))
	}

	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer stopCancel()

	if srv != nil {
		if err := srv.Shutdown(stopCtx); err != nil {
			log.Warn("api shutdown failed", logx.Err(err))
		}
	}
	if err := mgr.Shutdown(stopCtx); err != nil {
		log.Warn("engine shutdown failed", logx.Err(err))
		return err
	}
	log.Info("bye")
	return nil
}

// logEngineEvents mirrors noteworthy bus traffic into the log so lifecycle
// transitions and failures are visible without a chat consumer attached.
func logEngineEvents(bus eventbus.Bus, log logx.Logger) {
	ch, _ := bus.Subscribe(32,
		eventbus.TypeEngineState, eventbus.TypeTaskFailed, eventbus.TypeTaskDropped)
	for e := range ch {
		switch e.Type {
		case eventbus.TypeEngineState:
			log.Info("engine state", logx.Any("event", e.Data))
		default:
			log.Warn(e.Type, logx.Any("event", e.Data))
		}
	}
}
