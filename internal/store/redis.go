package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sharemill/internal/session"
	logx "sharemill/pkg/logx"
)

// redisStore keeps the three collections in one Redis database:
//
//	<ns>:sessions  hash  id -> session document (JSON)
//	<ns>:queue     hash  id -> session document (JSON)
//	<ns>:seq       string counter
type redisStore struct {
	client *redis.Client
	log    logx.Logger

	sessionsKey string
	queueKey    string
	seqKey      string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info("store connected", logx.String("driver", "redis"), logx.String("addr", addr))

	return &redisStore{
		client:      client,
		log:         log,
		sessionsKey: cfg.Namespace + ":sessions",
		queueKey:    cfg.Namespace + ":queue",
		seqKey:      cfg.Namespace + ":seq",
	}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) PutSession(ctx context.Context, sess session.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.sessionsKey, sess.ID, doc).Err()
}

func (s *redisStore) GetSession(ctx context.Context, id string) (session.Session, bool, error) {
	raw, err := s.client.HGet(ctx, s.sessionsKey, id).Result()
	if err == redis.Nil {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return session.Session{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, true, nil
}

func (s *redisStore) ListSessions(ctx context.Context) ([]session.Session, error) {
	vals, err := s.client.HGetAll(ctx, s.sessionsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(vals))
	for id, raw := range vals {
		var sess session.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			s.log.Warn("skipping undecodable session document", logx.String("id", id), logx.Any("err", err))
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *redisStore) Enqueue(ctx context.Context, sess session.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.queueKey, sess.ID, doc).Err()
}

func (s *redisStore) QueueLen(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.queueKey).Result()
	return int(n), err
}

// PromoteOldest uses an optimistic WATCH transaction so the queue-to-active
// move is atomic even with a concurrent writer.
func (s *redisStore) PromoteOldest(ctx context.Context) (session.Session, bool, error) {
	var promoted session.Session
	var found bool

	txf := func(tx *redis.Tx) error {
		found = false
		vals, err := tx.HGetAll(ctx, s.queueKey).Result()
		if err != nil {
			return err
		}
		oldest, ok := pickOldest(vals)
		if !ok {
			return nil
		}

		oldest.Status = session.StatusStarted
		oldest.UpdatedAt = time.Now().UTC()
		doc, err := json.Marshal(oldest)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, s.queueKey, oldest.ID)
			pipe.HSet(ctx, s.sessionsKey, oldest.ID, doc)
			return nil
		})
		if err != nil {
			return err
		}
		promoted = oldest
		found = true
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, s.queueKey)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return session.Session{}, false, err
		}
		return promoted, found, nil
	}
	return session.Session{}, false, redis.TxFailedErr
}

func pickOldest(vals map[string]string) (session.Session, bool) {
	var oldest session.Session
	found := false
	for _, raw := range vals {
		var sess session.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		if !found || earlier(sess, oldest) {
			oldest = sess
			found = true
		}
	}
	return oldest, found
}

// earlier orders queue entries FIFO by enqueue time, sequence as tie-break.
func earlier(a, b session.Session) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func (s *redisStore) CountActive(ctx context.Context) (int, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range sessions {
		if sess.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *redisStore) NextSeq(ctx context.Context) (int64, error) {
	idle, err := s.idle(ctx)
	if err != nil {
		return 0, err
	}
	if idle {
		if err := s.client.Set(ctx, s.seqKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return s.client.Incr(ctx, s.seqKey).Result()
}

// idle reports whether nothing is active or queued. Sessions in a terminal
// state don't hold the sequence counter up.
func (s *redisStore) idle(ctx context.Context) (bool, error) {
	qn, err := s.QueueLen(ctx)
	if err != nil {
		return false, err
	}
	if qn > 0 {
		return false, nil
	}
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (s *redisStore) FailInFlight(ctx context.Context, reason string) (int, error) {
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
		if err := s.client.Set(ctx, s.seqKey, 0, 0).Err(); err != nil {
			return touched, err
		}
	}
	return touched, nil
}
