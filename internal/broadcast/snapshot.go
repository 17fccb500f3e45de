package broadcast

import (
	"fmt"
	"sort"
	"time"

	"sharemill/internal/session"
)

// MessageType is the single push message type observers receive.
const MessageType = "sessions_update"

// SessionView is one active session as shown to observers. The credential
// never appears here.
type SessionView struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Target      string `json:"target"`
	Amount      int    `json:"amount"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	SuccessRate string `json:"success_rate"`
	StartedAt   string `json:"started_at,omitempty"`
	Elapsed     string `json:"elapsed,omitempty"`
	ETA         string `json:"eta"`
}

// Snapshot is the full observer payload: every active session plus aggregate
// stats. It is identical for the push channel and the polling endpoint.
type Snapshot struct {
	Sessions       []SessionView `json:"sessions"`
	Active         int           `json:"active"`
	QueueDepth     int           `json:"queue_depth"`
	TotalCompleted int           `json:"total_completed"`
	SuccessRate    string        `json:"success_rate"`
}

// Message is the envelope written to observers.
type Message struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

const etaCalculating = "Calculating..."

// BuildSnapshot renders the state at the given instant. The session list
// shows only active sessions (they occupy slots), but the aggregate counts
// every session ever recorded: finished work stays in the totals.
func BuildSnapshot(sessions []session.Session, now time.Time) Snapshot {
	views := make([]SessionView, 0, len(sessions))
	totalCompleted := 0
	totalAttempted := 0

	for _, s := range sessions {
		totalCompleted += s.Completed
		totalAttempted += s.Completed + s.Failed
		if !s.Status.Active() {
			continue
		}
		views = append(views, viewOf(s, now))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Seq < views[j].Seq })

	return Snapshot{
		Sessions:       views,
		Active:         len(views),
		TotalCompleted: totalCompleted,
		SuccessRate:    rate(totalCompleted, totalAttempted),
	}
}

func viewOf(s session.Session, now time.Time) SessionView {
	v := SessionView{
		ID:          s.ID,
		Seq:         s.Seq,
		Target:      s.Target,
		Amount:      s.Amount,
		Completed:   s.Completed,
		Failed:      s.Failed,
		SuccessRate: rate(s.Completed, s.Completed+s.Failed),
		ETA:         etaCalculating,
	}
	if s.StartedAt.IsZero() {
		return v
	}

	elapsed := now.Sub(s.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	v.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
	v.Elapsed = elapsed.Round(time.Second).String()

	// ETA from observed throughput (completed shares per elapsed time);
	// undefined until at least one share succeeded and some time passed.
	remaining := s.Amount - s.Completed - s.Failed
	if s.Completed <= 0 || elapsed <= 0 {
		return v
	}
	if remaining <= 0 {
		v.ETA = "0s"
		return v
	}
	perShare := elapsed / time.Duration(s.Completed)
	v.ETA = (perShare * time.Duration(remaining)).Round(time.Second).String()
	return v
}

// rate formats done/attempted as a percentage with two decimals, "0.00" when
// nothing has been attempted.
func rate(done, attempted int) string {
	if attempted <= 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(done)/float64(attempted)*100)
}
