// Package api exposes the HTTP surface: session submission, the progress
// snapshot, the websocket push channel and liveness.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"sharemill/internal/broadcast"
	"sharemill/internal/eventbus"
	"sharemill/internal/session"
	"sharemill/internal/store"
	logx "sharemill/pkg/logx"
)

// APIKeyHeader carries the pre-shared secret on the data endpoints.
const APIKeyHeader = "X-API-Key"

// Config tunes the HTTP layer.
type Config struct {
	// APIKey is the shared secret required on the data endpoints. An empty
	// key fails closed: every data request is rejected.
	APIKey string

	// RequestsPerMinute is the per-IP request ceiling. Default 120.
	RequestsPerMinute int
}

// Handler wires the routes. The returned handler is ready to be served.
func Handler(cfg Config, st store.Store, snapshots *broadcast.Service, hub *broadcast.Hub, bus eventbus.Bus, rules session.Rules, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	h := &handlers{
		store:     st,
		snapshots: snapshots,
		bus:       bus,
		rules:     rules,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(cfg.RequestsPerMinute, time.Minute))

	r.Get("/healthz", h.health)
	r.Get("/ws", hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(requireKey(cfg.APIKey))
		r.Post("/api/sessions", h.submit)
		r.Get("/api/sessions", h.snapshot)
	})

	return r
}

// requireKey rejects requests without the shared secret. The comparison is
// constant-time and the rejection is uniform regardless of payload.
func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if key == "" || got == "" ||
				subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	store     store.Store
	snapshots *broadcast.Service
	bus       eventbus.Bus
	rules     session.Rules
	log       logx.Logger
}

type submitRequest struct {
	Credential string  `json:"credential"`
	Target     string  `json:"target"`
	Amount     int     `json:"amount"`
	Interval   float64 `json:"interval"`
}

type submitResponse struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

type validationResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{Error: "invalid request body", Field: "body"})
		return
	}

	sub, verr := session.Validate(req.Credential, req.Target, req.Amount, req.Interval, h.rules)
	if verr != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{Error: verr.Message, Field: verr.Field})
		return
	}

	ctx := r.Context()
	seq, err := h.store.NextSeq(ctx)
	if err != nil {
		h.log.Error("sequence assignment failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	now := time.Now().UTC()
	sess := session.Session{
		ID:         session.NewID(),
		Seq:        seq,
		Status:     session.StatusQueued,
		Target:     sub.Target,
		Amount:     sub.Amount,
		Interval:   sub.Interval,
		Credential: sub.Credential,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.Enqueue(ctx, sess); err != nil {
		h.log.Error("enqueue failed", logx.String("session", sess.ID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.log.Info("session submitted",
		logx.String("session", sess.ID),
		logx.Int64("seq", sess.Seq),
		logx.Int("amount", sess.Amount),
	)
	h.bus.Publish(eventbus.Event{Type: eventbus.SessionSubmitted, Data: sess.ID})
	writeJSON(w, http.StatusCreated, submitResponse{ID: sess.ID, Seq: sess.Seq})
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Snapshot(r.Context())
	if err != nil {
		h.log.Error("snapshot failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
