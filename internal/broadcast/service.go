// Package broadcast pushes live progress snapshots to websocket observers
// and renders the same snapshot for the polling endpoint.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"sharemill/internal/eventbus"
	"sharemill/internal/store"
	logx "sharemill/pkg/logx"
)

// Service recomputes and pushes a snapshot whenever session progress is
// flushed or an observer joins. No debounce: pushes carry whatever the store
// holds at send time.
type Service struct {
	store store.Store
	bus   eventbus.Bus
	hub   *Hub
	log   logx.Logger

	now func() time.Time

	// join wakes the run loop when an observer connects.
	join chan struct{}
}

func NewService(st store.Store, bus eventbus.Bus, hub *Hub, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: st,
		bus:   bus,
		hub:   hub,
		log:   log,
		now:   time.Now,
		join:  make(chan struct{}, 1),
	}
	hub.OnJoin(func() {
		select {
		case s.join <- struct{}{}:
		default:
		}
	})
	return s
}

// Snapshot renders the current state for the polling endpoint.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := BuildSnapshot(sessions, s.now())
	if depth, err := s.store.QueueLen(ctx); err == nil {
		snap.QueueDepth = depth
	} else {
		s.log.Warn("queue depth lookup failed", logx.Err(err))
	}
	return snap, nil
}

// Run consumes flush events until the context is canceled. Meant to be run
// under the application supervisor.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.join:
			s.push(ctx)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.SessionsFlush, eventbus.SessionAdmitted,
				eventbus.SessionFinished, eventbus.SessionSubmitted:
				s.push(ctx)
			}
		}
	}
}

func (s *Service) push(ctx context.Context) {
	if s.hub.Count() == 0 {
		return
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		s.log.Warn("snapshot for push failed", logx.Err(err))
		return
	}
	payload, err := json.Marshal(Message{Type: MessageType, Data: snap})
	if err != nil {
		s.log.Warn("snapshot encode failed", logx.Err(err))
		return
	}
	s.hub.Broadcast(payload)
}
