package app

import (
	"testing"
	"time"

	"sharemill/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Addr: ":8080", APIKey: "k"},
		Store:    config.StoreConfig{Driver: "redis", Addr: "127.0.0.1:6379"},
		Platform: config.PlatformConfig{BaseURL: "https://social.example.com"},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing base url", func(c *config.Config) { c.Platform.BaseURL = "" }},
		{"negative workers", func(c *config.Config) { c.Admission.Workers = -1 }},
		{"bad tick", func(c *config.Config) { c.Admission.Tick = "soon" }},
		{"bad backoff", func(c *config.Config) { c.Runner.RetryBackoff = "-1s" }},
		{"bad target pattern", func(c *config.Config) { c.Platform.TargetPattern = "([" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMapAdmissionConfigDefaultsTick(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	got, err := mapAdmissionConfig(cfg)
	if err != nil {
		t.Fatalf("mapAdmissionConfig: %v", err)
	}
	if got.Tick != 5*time.Second {
		t.Fatalf("tick = %v, want 5s", got.Tick)
	}
}

func TestMapRunnerConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Runner = config.RunnerConfig{
		RetryAttempts:    4,
		RetryBackoff:     "100ms",
		BreakerThreshold: 8,
		FlushEvery:       3,
	}
	got, err := mapRunnerConfig(cfg)
	if err != nil {
		t.Fatalf("mapRunnerConfig: %v", err)
	}
	if got.Retry.Attempts != 4 || got.Retry.Backoff != 100*time.Millisecond {
		t.Fatalf("retry = %+v", got.Retry)
	}
	if got.BreakerThreshold != 8 || got.FlushEvery != 3 {
		t.Fatalf("got %+v", got)
	}
}
