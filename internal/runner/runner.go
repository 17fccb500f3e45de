// Package runner drives a single admitted session from "started" to a
// terminal status: setup against the platform, then the paced share loop
// with retries, the consecutive-failure breaker and periodic flushes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sharemill/internal/eventbus"
	"sharemill/internal/executor"
	"sharemill/internal/session"
	"sharemill/internal/store"
	logx "sharemill/pkg/logx"
)

// RetryPolicy controls per-share retries. Retries happen inline, inside one
// pacing slot; they never count as separate consecutive failures.
type RetryPolicy struct {
	// Attempts is the total tries per share, minimum 1. Default 3.
	Attempts int
	// Backoff is the pause between tries. Default 0 (immediate retry).
	Backoff time.Duration
}

// Config tunes the runner. Zero values pick the defaults.
type Config struct {
	Retry RetryPolicy

	// BreakerThreshold terminates the session after this many consecutive
	// failed shares (post-retry). Default 10.
	BreakerThreshold int

	// FlushEvery persists and broadcasts progress every Nth share. Default 5.
	// The final share always flushes.
	FlushEvery int
}

func (c *Config) setDefaults() {
	if c.Retry.Attempts < 1 {
		c.Retry.Attempts = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 10
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5
	}
}

// Runner executes sessions. One Runner is shared by all session goroutines;
// it holds no per-session state.
type Runner struct {
	store store.Store
	exec  executor.Executor
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(st store.Store, exec executor.Executor, bus eventbus.Bus, log logx.Logger, cfg Config) *Runner {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		store: st,
		exec:  exec,
		bus:   bus,
		log:   log,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Run drives the session with the given ID to a terminal status. It returns
// an error only for infrastructure problems (store unreachable, unknown ID,
// canceled context); session-level failures are recorded on the session
// document and are not errors to the caller.
func (r *Runner) Run(ctx context.Context, id string) (err error) {
	sess, found, lookupErr := r.store.GetSession(ctx, id)
	if lookupErr != nil {
		return lookupErr
	}
	if !found {
		return fmt.Errorf("runner: unknown session %s", id)
	}
	// Already settled (admitted twice, or settled by startup recovery):
	// nothing to drive.
	if sess.Status.Terminal() {
		return nil
	}

	log := r.log.With(logx.String("session", sess.ID), logx.Int64("seq", sess.Seq))

	// A panicking executor must not take the process down; the session is
	// failed with the unattempted remainder counted as failed.
	defer func() {
		if p := recover(); p != nil {
			log.Error("session runner panicked", logx.Any("panic", p))
			err = r.fail(ctx, &sess, fmt.Sprintf("internal error: %v", p))
		}
	}()

	// Setup steps. Each failure is terminal with every share counted failed.
	if err := r.exec.ValidateCredential(ctx, sess.Credential); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("credential validation failed", logx.Err(err))
		return r.fail(ctx, &sess, setupReason(err))
	}
	token, err := r.exec.DeriveToken(ctx, sess.Credential)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("token derivation failed", logx.Err(err))
		return r.fail(ctx, &sess, setupReason(err))
	}
	targetID, err := r.exec.ResolveTarget(ctx, sess.Credential, sess.Target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("target resolution failed", logx.Err(err))
		return r.fail(ctx, &sess, setupReason(err))
	}

	sess.Status = session.StatusInProgress
	sess.StartedAt = r.now().UTC()
	r.flush(ctx, &sess)
	log.Info("session running",
		logx.String("target", sess.Target),
		logx.Int("amount", sess.Amount),
		logx.String("interval", sess.Interval.String()),
	)

	consecutive := 0
	for i := 0; i < sess.Amount; i++ {
		slotStart := r.now()

		if shareErr := r.shareWithRetry(ctx, sess.Credential, token, targetID); shareErr != nil {
			if ctx.Err() != nil {
				// Shutdown mid-session: persist what we have and leave the
				// session in_progress; startup recovery settles it.
				_ = r.store.PutSession(context.WithoutCancel(ctx), sess)
				return ctx.Err()
			}
			sess.Failed++
			consecutive++
			log.Debug("share failed", logx.Err(shareErr), logx.Int("consecutive", consecutive))
		} else {
			sess.Completed++
			consecutive = 0
		}

		if consecutive >= r.cfg.BreakerThreshold {
			log.Warn("breaker tripped", logx.Int("consecutive", consecutive))
			sess.Status = session.StatusTerminated
			sess.Error = fmt.Sprintf("terminated after %d consecutive failures", consecutive)
			sess.UpdatedAt = r.now().UTC()
			r.flush(ctx, &sess)
			r.finished(sess)
			return nil
		}

		done := i + 1
		if done == sess.Amount {
			break
		}
		if done%r.cfg.FlushEvery == 0 {
			sess.UpdatedAt = r.now().UTC()
			r.flush(ctx, &sess)
		}

		// Pace from slot start, not from completion: sleep only whatever
		// remains of the interval after the share itself.
		if remain := sess.Interval - r.now().Sub(slotStart); remain > 0 {
			if err := r.sleep(ctx, remain); err != nil {
				_ = r.store.PutSession(context.WithoutCancel(ctx), sess)
				return err
			}
		}
	}

	sess.Status = session.StatusCompleted
	sess.UpdatedAt = r.now().UTC()
	r.flush(ctx, &sess)
	log.Info("session finished",
		logx.Int("completed", sess.Completed),
		logx.Int("failed", sess.Failed),
	)
	r.finished(sess)
	return nil
}

func (r *Runner) shareWithRetry(ctx context.Context, credential, token, targetID string) error {
	var last error
	for attempt := 0; attempt < r.cfg.Retry.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 && r.cfg.Retry.Backoff > 0 {
			if err := r.sleep(ctx, r.cfg.Retry.Backoff); err != nil {
				return err
			}
		}
		last = r.exec.Share(ctx, credential, token, targetID)
		if last == nil {
			return nil
		}
	}
	return last
}

// fail records a terminal failure with the unattempted remainder counted
// failed, then flushes.
func (r *Runner) fail(ctx context.Context, sess *session.Session, reason string) error {
	sess.Status = session.StatusFailed
	sess.Error = reason
	sess.Failed = sess.Amount - sess.Completed
	sess.UpdatedAt = r.now().UTC()
	r.flush(ctx, sess)
	r.finished(*sess)
	return nil
}

// flush persists the session and signals the broadcaster. Store failures are
// best-effort: they are logged but never stop the share loop.
func (r *Runner) flush(ctx context.Context, sess *session.Session) {
	if err := r.store.PutSession(ctx, *sess); err != nil {
		r.log.Warn("progress flush failed",
			logx.String("session", sess.ID), logx.Err(err))
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionsFlush, Data: sess.ID})
}

func (r *Runner) finished(sess session.Session) {
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Data: sess.ID})
}

func setupReason(err error) string {
	switch {
	case errors.Is(err, executor.ErrCredentialInvalid):
		return "credential rejected by platform"
	case errors.Is(err, executor.ErrTokenUnavailable):
		return "could not obtain execution token"
	case errors.Is(err, executor.ErrTargetUnresolved):
		return "target could not be resolved"
	default:
		return err.Error()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
