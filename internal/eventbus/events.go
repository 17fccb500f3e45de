package eventbus

// Event types published by the core services.
//
// SessionsFlush fires whenever a session's progress is persisted; the
// broadcaster listens for it and pushes a fresh snapshot to observers.
const (
	SessionsFlush    = "sessions.flush"
	SessionAdmitted  = "session.admitted"
	SessionFinished  = "session.finished"
	SessionSubmitted = "session.submitted"
)
