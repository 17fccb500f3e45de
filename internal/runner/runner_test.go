package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sharemill/internal/eventbus"
	"sharemill/internal/executor"
	"sharemill/internal/session"
	logx "sharemill/pkg/logx"
)

// memStore implements just enough of store.Store for the runner.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	puts     int
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]session.Session{}}
}

func (m *memStore) PutSession(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.puts++
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (session.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *memStore) ListSessions(context.Context) ([]session.Session, error) { return nil, nil }
func (m *memStore) Enqueue(context.Context, session.Session) error          { return nil }
func (m *memStore) QueueLen(context.Context) (int, error)                   { return 0, nil }
func (m *memStore) PromoteOldest(context.Context) (session.Session, bool, error) {
	return session.Session{}, false, nil
}
func (m *memStore) CountActive(context.Context) (int, error)      { return 0, nil }
func (m *memStore) NextSeq(context.Context) (int64, error)        { return 1, nil }
func (m *memStore) FailInFlight(context.Context, string) (int, error) {
	return 0, nil
}
func (m *memStore) Close() error { return nil }

func (m *memStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// fakeExecutor scripts per-call outcomes.
type fakeExecutor struct {
	mu          sync.Mutex
	validateErr error
	tokenErr    error
	resolveErr  error
	shareErrs   []error // consumed in order; nil entry = success
	shareCalls  int
	panicShare  bool
}

func (f *fakeExecutor) ValidateCredential(context.Context, string) error { return f.validateErr }
func (f *fakeExecutor) DeriveToken(context.Context, string) (string, error) {
	return "tok", f.tokenErr
}
func (f *fakeExecutor) ResolveTarget(context.Context, string, string) (string, error) {
	return "42", f.resolveErr
}
func (f *fakeExecutor) Share(context.Context, string, string, string) error {
	if f.panicShare {
		panic("executor blew up")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.shareCalls
	f.shareCalls++
	if i < len(f.shareErrs) {
		return f.shareErrs[i]
	}
	return nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shareCalls
}

func newTestRunner(st *memStore, ex executor.Executor, cfg Config) (*Runner, eventbus.Bus) {
	bus := eventbus.New()
	r := New(st, ex, bus, logx.Nop(), cfg)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, bus
}

func seed(st *memStore, amount int, interval time.Duration) session.Session {
	s := session.Session{
		ID:         "11111111",
		Seq:        1,
		Status:     session.StatusStarted,
		Target:     "https://social.example.com/p/abc",
		Amount:     amount,
		Interval:   interval,
		Credential: "sessionid=abc",
		CreatedAt:  time.Now().UTC(),
	}
	st.sessions[s.ID] = s
	return s
}

func TestRunCompletesAllShares(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ex := &fakeExecutor{}
	seed(st, 7, time.Millisecond)
	r, _ := newTestRunner(st, ex, Config{})

	if err := r.Run(context.Background(), "11111111"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := st.sessions["11111111"]
	if got.Status != session.StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.Completed != 7 || got.Failed != 0 {
		t.Fatalf("completed/failed = %d/%d", got.Completed, got.Failed)
	}
	if got.StartedAt.IsZero() {
		t.Fatal("StartedAt not set")
	}
	if ex.calls() != 7 {
		t.Fatalf("share calls = %d", ex.calls())
	}
}

func TestRunRetriesWithinOneShare(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	// First share fails twice then succeeds; should count as one success.
	ex := &fakeExecutor{shareErrs: []error{errors.New("x"), errors.New("x"), nil}}
	seed(st, 1, time.Millisecond)
	r, _ := newTestRunner(st, ex, Config{Retry: RetryPolicy{Attempts: 3}})

	if err := r.Run(context.Background(), "11111111"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := st.sessions["11111111"]
	if got.Status != session.StatusCompleted || got.Completed != 1 || got.Failed != 0 {
		t.Fatalf("got %q %d/%d", got.Status, got.Completed, got.Failed)
	}
	if ex.calls() != 3 {
		t.Fatalf("share calls = %d, want 3", ex.calls())
	}
}

func TestRunBreakerTerminatesAfterTenConsecutiveFailures(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ex := &fakeExecutor{shareErrs: alwaysFail(1000)}
	seed(st, 50, time.Millisecond)
	r, _ := newTestRunner(st, ex, Config{})

	if err := r.Run(context.Background(), "11111111"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := st.sessions["11111111"]
	if got.Status != session.StatusTerminated {
		t.Fatalf("status = %q, want terminated", got.Status)
	}
	if got.Failed != 10 || got.Completed != 0 {
		t.Fatalf("completed/failed = %d/%d, want 0/10", got.Completed, got.Failed)
	}
	if got.Error == "" {
		t.Fatal("terminated session must carry an error message")
	}
	// Exactly 10 failed shares, each retried 3 times.
	if ex.calls() != 30 {
		t.Fatalf("share calls = %d, want 30", ex.calls())
	}
}

func TestRunSuccessResetsBreaker(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	// 9 failures, one success, 9 more failures: breaker never reaches 10.
	var script []error
	script = append(script, alwaysFail(27)...) // 9 shares x 3 attempts
	script = append(script, nil)
	script = append(script, alwaysFail(27)...)
	ex := &fakeExecutor{shareErrs: script}
	seed(st, 19, time.Millisecond)
	r, _ := newTestRunner(st, ex, Config{})

	if err := r.Run(context.Background(), "11111111"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := st.sessions["11111111"]
	if got.Status != session.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Completed != 1 || got.Failed != 18 {
		t.Fatalf("completed/failed = %d/%d", got.Completed, got.Failed)
	}
}

func TestRunSetupFailureMarksAllFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ex   *fakeExecutor
	}{
		{"credential", &fakeExecutor{validateErr: executor.ErrCredentialInvalid}},
		{"token", &fakeExecutor{tokenErr: executor.ErrTokenUnavailable}},
		{"target", &fakeExecutor{resolveErr: executor.ErrTargetUnresolved}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newMemStore()
			seed(st, 12, time.Millisecond)
			r, _ := newTestRunner(st, tt.ex, Config{})

			if err := r.Run(context.Background(), "11111111"); err != nil {
				t.Fatalf("Run: %v", err)
			}
			got := st.sessions["11111111"]
			if got.Status != session.StatusFailed {
				t.Fatalf("status = %q, want failed", got.Status)
			}
			if got.Failed != 12 || got.Completed != 0 {
				t.Fatalf("completed/failed = %d/%d", got.Completed, got.Failed)
			}
			if got.Error == "" {
				t.Fatal("failed session must carry an error message")
			}
		})
	}
}

func TestRunRecoversExecutorPanic(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ex := &fakeExecutor{panicShare: true}
	seed(st, 5, time.Millisecond)
	r, _ := newTestRunner(st, ex, Config{})

	if err := r.Run(context.Background(), "11111111"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := st.sessions["11111111"]
	if got.Status != session.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Completed+got.Failed != got.Amount {
		t.Fatalf("completed+failed = %d, want %d", got.Completed+got.Failed, got.Amount)
	}
}

func TestRunFlushesEveryFifthShare(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ex := &fakeExecutor{}
	seed(st, 12, time.Millisecond)
	r, bus := newTestRunner(st, ex, Config{})

	events, unsub := bus.Subscribe(64)
	defer unsub()

	if err := r.Run(context.Background(), "11111111"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	flushes := 0
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.SessionsFlush {
				flushes++
			}
		default:
			// in_progress transition + shares 5 and 10 + final = 4 flushes.
			if flushes != 4 {
				t.Fatalf("flush events = %d, want 4", flushes)
			}
			return
		}
	}
}

func TestRunLeavesSettledSessionAlone(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ex := &fakeExecutor{}
	s := seed(st, 5, time.Millisecond)
	s.Status = session.StatusCompleted
	s.Completed = 5
	st.sessions[s.ID] = s
	r, _ := newTestRunner(st, ex, Config{})

	if err := r.Run(context.Background(), s.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ex.shareCalls != 0 {
		t.Fatalf("share calls = %d, want 0", ex.shareCalls)
	}
	got := st.sessions[s.ID]
	if got.Status != session.StatusCompleted || got.Completed != 5 || got.Failed != 0 {
		t.Fatalf("session mutated: %+v", got)
	}
}

func TestRunUnknownSession(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(newMemStore(), &fakeExecutor{}, Config{})
	if err := r.Run(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func alwaysFail(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("share failed")
	}
	return errs
}
