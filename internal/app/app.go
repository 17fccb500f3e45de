// Package app wires the service together: config, logging, store, executor,
// runner, admission, broadcaster and the HTTP surface, all supervised under
// one lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sharemill/internal/admission"
	"sharemill/internal/api"
	"sharemill/internal/broadcast"
	"sharemill/internal/config"
	"sharemill/internal/eventbus"
	"sharemill/internal/executor"
	"sharemill/internal/runner"
	"sharemill/internal/runtime/supervisor"
	"sharemill/internal/store"
	logx "sharemill/pkg/logx"
)

// restartRecoveryReason lands on every session the process left in_progress.
const restartRecoveryReason = "process restarted while session was running"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     store.Store
	exec      executor.Executor
	runner    *runner.Runner
	admission *admission.Service
	hub       *broadcast.Hub
	snapshots *broadcast.Service
	server    *http.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec, err := executor.NewHTTP(execCfg, log.With(logx.String("comp", "executor")))
	if err != nil {
		return nil, err
	}

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := runner.New(st, exec, bus, log.With(logx.String("comp", "runner")), runnerCfg)

	hub := broadcast.NewHub(log.With(logx.String("comp", "hub")))
	snapshots := broadcast.NewService(st, bus, hub, log.With(logx.String("comp", "broadcast")))

	rules, err := mapRules(cfg)
	if err != nil {
		return nil, err
	}
	handler := api.Handler(api.Config{
		APIKey:            cfg.Server.APIKey,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}, st, snapshots, hub, bus, rules, log.With(logx.String("comp", "api")))

	srv, err := mapServer(cfg, handler)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		exec:      exec,
		runner:    run,
		hub:       hub,
		snapshots: snapshots,
		server:    srv,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	cfg := a.cfgm.Get()

	// Startup recovery: anything still in_progress did not survive the last
	// process; settle it before admitting new work.
	recoverCtx, cancel := context.WithTimeout(a.sup.Context(), 15*time.Second)
	n, err := a.store.FailInFlight(recoverCtx, restartRecoveryReason)
	cancel()
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if n > 0 {
		a.log.Warn("recovered interrupted sessions", logx.Int("count", n))
	}

	admCfg, err := mapAdmissionConfig(cfg)
	if err != nil {
		return err
	}
	a.admission = admission.New(a.store, a.runner, a.bus, a.sup,
		a.log.With(logx.String("comp", "admission")), admCfg)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.admission.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("broadcast.run", a.snapshots.Run)

	a.sup.Go("http.serve", func(context.Context) error {
		a.log.Info("http listening", logx.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	a.sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	})

	a.startConfigReload()
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// startConfigReload applies hot-reloaded config: log level live, admission
// settings live, everything else on restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				admCfg, err := mapAdmissionConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid admission config; keeping previous", logx.Err(err))
				} else if err := a.admission.Reconfigure(admCfg); err != nil {
					a.log.Warn("admission reconfigure failed", logx.Err(err))
				}

				a.log.Info("config reloaded")
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	// Admission first so no new sessions launch, then the HTTP server, the
	// supervised goroutines, and finally the store.
	step("admission", 3*time.Second, a.admission.Stop)
	step("http", 5*time.Second, a.server.Shutdown)
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
