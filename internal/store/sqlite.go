package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sharemill/internal/session"
	logx "sharemill/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	doc        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// sqliteStore mirrors the redis layout with one table per collection.
// Documents stay wholesale JSON; status/created_at columns exist only for
// filtering and FIFO ordering.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("store opened", logx.String("driver", "sqlite"), logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) PutSession(ctx context.Context, sess session.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, status, doc) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, doc=excluded.doc`,
		sess.ID, string(sess.Status), string(doc),
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (session.Session, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return session.Session{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, true, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			s.log.Warn("skipping undecodable session document", logx.String("id", id), logx.Any("err", err))
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Enqueue(ctx context.Context, sess session.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue(id, created_at, seq, doc) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET created_at=excluded.created_at, seq=excluded.seq, doc=excluded.doc`,
		sess.ID, sess.CreatedAt.UnixNano(), sess.Seq, string(doc),
	)
	return err
}

func (s *sqliteStore) QueueLen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}

func (s *sqliteStore) PromoteOldest(ctx context.Context) (session.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var id, doc string
	err = tx.QueryRowContext(ctx,
		`SELECT id, doc FROM queue ORDER BY created_at, seq, id LIMIT 1`,
	).Scan(&id, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return session.Session{}, false, fmt.Errorf("decode queue entry %s: %w", id, err)
	}
	sess.Status = session.StatusStarted
	sess.UpdatedAt = time.Now().UTC()
	newDoc, err := json.Marshal(sess)
	if err != nil {
		return session.Session{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return session.Session{}, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(id, status, doc) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, doc=excluded.doc`,
		sess.ID, string(sess.Status), string(newDoc),
	); err != nil {
		return session.Session{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, false, err
	}
	return sess, true, nil
}

func (s *sqliteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		string(session.StatusStarted), string(session.StatusInProgress),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) NextSeq(ctx context.Context) (int64, error) {
	idle, err := s.idle(ctx)
	if err != nil {
		return 0, err
	}
	if idle {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO counters(name, value) VALUES('seq', 1)
			 ON CONFLICT(name) DO UPDATE SET value=1`)
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	var v int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO counters(name, value) VALUES('seq', 1)
		 ON CONFLICT(name) DO UPDATE SET value=value+1
		 RETURNING value`).Scan(&v)
	return v, err
}

func (s *sqliteStore) idle(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM queue) +
		        (SELECT COUNT(*) FROM sessions WHERE status NOT IN (?, ?, ?))`,
		string(session.StatusCompleted), string(session.StatusFailed), string(session.StatusTerminated),
	).Scan(&n)
	return n == 0, err
}

func (s *sqliteStore) FailInFlight(ctx context.Context, reason string) (int, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	touched := 0
	now := time.Now().UTC()
	for _, sess := range sessions {
		if sess.Status != session.StatusInProgress {
			continue
		}
		sess.Status = session.StatusFailed
		sess.Error = reason
		sess.Failed = sess.Amount - sess.Completed
		sess.UpdatedAt = now
		if err := s.PutSession(ctx, sess); err != nil {
			return touched, err
		}
		touched++
	}

	idle, err := s.idle(ctx)
	if err != nil {
		return touched, err
	}
	if idle {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO counters(name, value) VALUES('seq', 0)
			 ON CONFLICT(name) DO UPDATE SET value=0`); err != nil {
			return touched, err
		}
	}
	return touched, nil
}
