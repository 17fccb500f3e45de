package config

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Admission controls how queued sessions are promoted into execution.
	Admission AdmissionConfig `json:"admission"`

	// Runner controls per-session execution policy.
	Runner RunnerConfig `json:"runner"`

	// Platform configures the external share target.
	Platform PlatformConfig `json:"platform"`
}

// ServerConfig controls the HTTP/websocket listener.
//
// APIKey is the pre-shared secret required (as the X-API-Key header) on the
// data endpoints. Leaving it empty refuses all data requests (fail-closed).
type ServerConfig struct {
	Addr   string `json:"addr"`
	APIKey string `json:"api_key"`

	// RequestsPerMinute bounds inbound requests per client IP. 0 uses a default.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`

	// Timeouts are Go duration strings (e.g. "10s").
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the progress store.
//
// Driver values:
//   - "redis": external Redis instance (default)
//   - "sqlite": single-file SQLite database
type StoreConfig struct {
	Driver string `json:"driver"`

	// Redis settings.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// SQLite settings.
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string

	// Namespace prefixes every key/table so several deployments can share one
	// store. Defaults to "sharemill".
	Namespace string `json:"namespace,omitempty"`
}

// AdmissionConfig controls the queue processor.
//
// The global concurrency ceiling is Workers * SessionsPerWorker.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - sessions_per_worker: 3
//   - tick: "5s"
type AdmissionConfig struct {
	Workers           int    `json:"workers,omitempty"`
	SessionsPerWorker int    `json:"sessions_per_worker,omitempty"`
	Tick              string `json:"tick,omitempty"` // Go duration string
}

// RunnerConfig controls per-session execution policy.
//
// Defaults (when fields are omitted/zero):
//   - retry_attempts: 3
//   - retry_backoff: "0s" (immediate retries)
//   - breaker_threshold: 10
//   - flush_every: 5
type RunnerConfig struct {
	RetryAttempts    int    `json:"retry_attempts,omitempty"`
	RetryBackoff     string `json:"retry_backoff,omitempty"` // Go duration string
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	FlushEvery       int    `json:"flush_every,omitempty"`
}

// PlatformConfig configures the external target and the shared rate ceilings.
//
// Two independent token buckets protect the platform: a general one for all
// API calls and a tighter one for the share action itself.
type PlatformConfig struct {
	BaseURL string `json:"base_url"`

	// TargetPattern overrides the URL shape submissions must match.
	TargetPattern string `json:"target_pattern,omitempty"`

	// AuthMarkers overrides the cookie names accepted as session markers.
	AuthMarkers []string `json:"auth_markers,omitempty"`

	// Rate ceilings in requests per second (with equal burst).
	// Defaults: api_rate 5, share_rate 1.
	APIRate   float64 `json:"api_rate,omitempty"`
	ShareRate float64 `json:"share_rate,omitempty"`

	// RequestTimeout is a Go duration string for individual platform calls.
	RequestTimeout string `json:"request_timeout,omitempty"`
}
