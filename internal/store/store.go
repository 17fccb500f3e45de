package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"sharemill/internal/session"
	logx "sharemill/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Config configures the progress store.
//
// Driver values:
//   - "redis": external Redis instance (default when empty)
//   - "sqlite": single-file SQLite database
type Config struct {
	Driver string

	// Redis.
	Addr     string
	Password string
	DB       int

	// SQLite.
	Path        string
	BusyTimeout time.Duration

	// Namespace prefixes keys/tables. Defaults to "sharemill".
	Namespace string
}

// Store is the persistence contract for the three collections the service
// keeps in one external store: active sessions (by ID), the queue of pending
// sessions (FIFO by enqueue time) and the display sequence counter.
//
// Documents are read and written wholesale; the store is assumed to give
// last-writer-wins semantics with no guarantee beyond whole-document replace.
type Store interface {
	// PutSession writes an active-session document (insert or replace).
	PutSession(ctx context.Context, s session.Session) error
	GetSession(ctx context.Context, id string) (session.Session, bool, error)
	ListSessions(ctx context.Context) ([]session.Session, error)

	// Enqueue inserts a pending session into the queue.
	Enqueue(ctx context.Context, s session.Session) error
	QueueLen(ctx context.Context) (int, error)

	// PromoteOldest atomically moves the oldest queued session into the
	// active set with status "started". ok is false when the queue is empty.
	// The move is transactional: the session is never visible in both
	// collections or in neither.
	PromoteOldest(ctx context.Context) (s session.Session, ok bool, err error)

	// CountActive counts sessions whose status is "started" or "in_progress".
	CountActive(ctx context.Context) (int, error)

	// NextSeq returns the next display sequence number. When nothing is
	// active or queued the counter restarts at 1.
	NextSeq(ctx context.Context) (int64, error)

	// FailInFlight force-fails every stored session left "in_progress"
	// (startup recovery after an ungraceful stop) and returns how many were
	// touched. The sequence counter is reset when nothing remains active.
	FailInFlight(ctx context.Context, reason string) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		cfg.Namespace = "sharemill"
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "redis":
		return openRedis(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, ErrUnknownDriver
	}
}
