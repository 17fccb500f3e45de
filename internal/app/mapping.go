package app

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"sharemill/internal/admission"
	"sharemill/internal/config"
	"sharemill/internal/executor"
	"sharemill/internal/runner"
	"sharemill/internal/session"
	"sharemill/internal/store"
)

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Store.Driver,
		Addr:        cfg.Store.Addr,
		Password:    cfg.Store.Password,
		DB:          cfg.Store.DB,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
		Namespace:   cfg.Store.Namespace,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	timeout, err := config.ParseDurationField("platform.request_timeout", cfg.Platform.RequestTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		BaseURL:        cfg.Platform.BaseURL,
		APIRate:        cfg.Platform.APIRate,
		ShareRate:      cfg.Platform.ShareRate,
		RequestTimeout: timeout,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	backoff, err := config.ParseDurationField("runner.retry_backoff", cfg.Runner.RetryBackoff)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Retry: runner.RetryPolicy{
			Attempts: cfg.Runner.RetryAttempts,
			Backoff:  backoff,
		},
		BreakerThreshold: cfg.Runner.BreakerThreshold,
		FlushEvery:       cfg.Runner.FlushEvery,
	}, nil
}

func mapAdmissionConfig(cfg *config.Config) (admission.Config, error) {
	tick, err := config.ParseDurationOrDefault("admission.tick", cfg.Admission.Tick, 5*time.Second)
	if err != nil {
		return admission.Config{}, err
	}
	return admission.Config{
		Workers:           cfg.Admission.Workers,
		SessionsPerWorker: cfg.Admission.SessionsPerWorker,
		Tick:              tick,
	}, nil
}

func mapRules(cfg *config.Config) (session.Rules, error) {
	rules := session.Rules{AuthMarkers: cfg.Platform.AuthMarkers}
	if p := strings.TrimSpace(cfg.Platform.TargetPattern); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return session.Rules{}, fmt.Errorf("platform.target_pattern: %w", err)
		}
		rules.TargetPattern = re
	}
	return rules, nil
}

func mapServer(cfg *config.Config, handler http.Handler) (*http.Server, error) {
	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = ":8080"
	}
	read, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 120*time.Second)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}, nil
}

// validate rejects bad configs before commit, so a broken hot reload never
// replaces a working one.
func validate(cfg *config.Config) error {
	if cfg.Admission.Workers < 0 {
		return fmt.Errorf("admission.workers must be >= 0")
	}
	if cfg.Admission.SessionsPerWorker < 0 {
		return fmt.Errorf("admission.sessions_per_worker must be >= 0")
	}
	if _, err := config.ParseDurationField("admission.tick", cfg.Admission.Tick); err != nil {
		return err
	}
	if cfg.Runner.RetryAttempts < 0 {
		return fmt.Errorf("runner.retry_attempts must be >= 0")
	}
	if cfg.Runner.BreakerThreshold < 0 {
		return fmt.Errorf("runner.breaker_threshold must be >= 0")
	}
	if cfg.Runner.FlushEvery < 0 {
		return fmt.Errorf("runner.flush_every must be >= 0")
	}
	if _, err := config.ParseDurationField("runner.retry_backoff", cfg.Runner.RetryBackoff); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("platform.request_timeout", cfg.Platform.RequestTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Platform.BaseURL) == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if _, err := mapRules(cfg); err != nil {
		return err
	}
	if cfg.Server.RequestsPerMinute < 0 {
		return fmt.Errorf("server.requests_per_minute must be >= 0")
	}
	return nil
}
