package session

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Status is the lifecycle state of a session.
//
// Transitions are monotonic: once a session reaches a terminal status it
// never leaves it.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Active reports whether the session occupies an admission slot.
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusInProgress
}

// Session is one queued-to-terminal unit of work: a batch of repeated share
// actions against an external target, executed with a fixed pacing interval.
//
// Invariant: Completed+Failed <= Amount at all times; at a terminal flush
// they are equal, except "terminated" where the breaker may stop early.
type Session struct {
	ID     string `json:"id"`
	Seq    int64  `json:"seq"`
	Status Status `json:"status"`

	Target string `json:"target"`
	Amount int    `json:"amount"`

	// Interval is the pacing interval between share starts.
	Interval time.Duration `json:"interval"`

	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is set when the runner enters the paced loop. Zero until then.
	StartedAt time.Time `json:"started_at,omitempty"`

	Error string `json:"error,omitempty"`

	// Credential is the normalized cookie material. The core never interprets
	// it beyond the submit-time shape check; it is passed opaquely to the
	// executor and must never appear in snapshots or logs.
	Credential string `json:"credential,omitempty"`
}

// NewID returns a short numeric-string identifier.
func NewID() string {
	// 8 decimal digits, no leading zero.
	n, err := rand.Int(rand.Reader, big.NewInt(90000000))
	if err != nil {
		// crypto/rand failing is not survivable for ID assignment.
		panic(err)
	}
	return big.NewInt(0).Add(n, big.NewInt(10000000)).String()
}
