package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"sharemill/internal/broadcast"
	"sharemill/internal/eventbus"
	"sharemill/internal/session"
	"sharemill/internal/store"
	logx "sharemill/pkg/logx"
)

const testKey = "test-secret"

func newTestServer(t *testing.T, key string) (*httptest.Server, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.Open(store.Config{Driver: "redis", Addr: mr.Addr()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	hub := broadcast.NewHub(logx.Nop())
	snapshots := broadcast.NewService(st, bus, hub, logx.Nop())

	h := Handler(Config{APIKey: key}, st, snapshots, hub, bus, session.Rules{}, logx.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, st
}

func submitBody(amount int, interval float64) []byte {
	b, _ := json.Marshal(map[string]any{
		"credential": "sessionid=abc123; csrftoken=xyz",
		"target":     "https://social.example.com/p/abc123",
		"amount":     amount,
		"interval":   interval,
	})
	return b
}

func doSubmit(t *testing.T, srv *httptest.Server, key string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSubmitAssignsIDAndSeq(t *testing.T) {
	srv, _ := newTestServer(t, testKey)

	resp := doSubmit(t, srv, testKey, submitBody(10, 2))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got struct {
		ID  string `json:"id"`
		Seq int64  `json:"seq"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Regexp(t, regexp.MustCompile(`^\d{8}$`), got.ID)
	require.Equal(t, int64(1), got.Seq)

	// First submission still queued: the second gets sequence 2.
	resp2 := doSubmit(t, srv, testKey, submitBody(10, 2))
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	var got2 struct {
		Seq int64 `json:"seq"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got2))
	require.Equal(t, int64(2), got2.Seq)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t, testKey)

	tests := []struct {
		name      string
		body      []byte
		wantField string
		wantError string
	}{
		{
			name:      "sub-second interval over cap",
			body:      submitBody(150, 0.5),
			wantField: "amount",
			wantError: "For intervals below 1 second, maximum shares is 100",
		},
		{
			name:      "zero amount",
			body:      submitBody(0, 2),
			wantField: "amount",
		},
		{
			name:      "interval too small",
			body:      submitBody(10, 0.05),
			wantField: "interval",
		},
		{
			name:      "interval too large",
			body:      submitBody(10, 61),
			wantField: "interval",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doSubmit(t, srv, testKey, tt.body)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var got struct {
				Error string `json:"error"`
				Field string `json:"field"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			require.Equal(t, tt.wantField, got.Field)
			if tt.wantError != "" {
				require.Equal(t, tt.wantError, got.Error)
			}
		})
	}

	t.Run("sub-second interval at cap is accepted", func(t *testing.T) {
		resp := doSubmit(t, srv, testKey, submitBody(100, 0.5))
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	})
}

func TestDataEndpointsRequireKey(t *testing.T) {
	srv, _ := newTestServer(t, testKey)

	for _, tc := range []struct {
		name string
		key  string
	}{
		{"missing key", ""},
		{"wrong key", "wrong"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := doSubmit(t, srv, tc.key, submitBody(10, 2))
			resp.Body.Close()
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
			if tc.key != "" {
				req.Header.Set(APIKeyHeader, tc.key)
			}
			resp2, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp2.Body.Close()
			require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
		})
	}
}

func TestEmptyConfiguredKeyFailsClosed(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := doSubmit(t, srv, "anything", submitBody(10, 2))
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, testKey)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, st := newTestServer(t, testKey)

	// An in-progress session shows up; its credential must not leak.
	sess := session.Session{
		ID: "12345678", Seq: 1, Status: session.StatusInProgress,
		Target: "https://social.example.com/p/abc", Amount: 10, Completed: 4,
		Credential: "sessionid=topsecret",
	}
	require.NoError(t, st.PutSession(t.Context(), sess))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	req.Header.Set(APIKeyHeader, testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	var snap broadcast.Snapshot
	require.NoError(t, json.NewDecoder(io.TeeReader(resp.Body, &buf)).Decode(&snap))
	require.Len(t, snap.Sessions, 1)
	require.Equal(t, "12345678", snap.Sessions[0].ID)
	require.Equal(t, 4, snap.TotalCompleted)
	require.Equal(t, "100.00", snap.Sessions[0].SuccessRate)
	require.NotContains(t, buf.String(), "topsecret")
}
