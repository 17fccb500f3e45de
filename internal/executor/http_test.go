package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "sharemill/pkg/logx"
)

func newTestExecutor(t *testing.T, handler http.Handler) Executor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ex, err := NewHTTP(Config{
		BaseURL:   srv.URL,
		APIRate:   1000,
		ShareRate: 1000,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return ex
}

func TestValidateCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"accepted", http.StatusOK, nil},
		{"rejected", http.StatusUnauthorized, ErrCredentialInvalid},
		{"forbidden", http.StatusForbidden, ErrCredentialInvalid},
		{"server error", http.StatusInternalServerError, ErrCredentialInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Cookie") == "" {
					t.Error("credential cookie not forwarded")
				}
				w.WriteHeader(tt.status)
			}))
			err := ex.ValidateCredential(context.Background(), "sessionid=abc")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeriveToken(t *testing.T) {
	t.Parallel()

	t.Run("token returned", func(t *testing.T) {
		t.Parallel()
		ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token":"tok-1"}`))
		}))
		tok, err := ex.DeriveToken(context.Background(), "sessionid=abc")
		if err != nil {
			t.Fatalf("DeriveToken: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("token = %q", tok)
		}
	})

	t.Run("empty token is unavailable", func(t *testing.T) {
		t.Parallel()
		ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token":""}`))
		}))
		if _, err := ex.DeriveToken(context.Background(), "sessionid=abc"); !errors.Is(err, ErrTokenUnavailable) {
			t.Fatalf("err = %v, want ErrTokenUnavailable", err)
		}
	})
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	t.Run("resolved", func(t *testing.T) {
		t.Parallel()
		ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("url"); got != "https://social.example.com/p/xyz" {
				t.Errorf("url param = %q", got)
			}
			_, _ = w.Write([]byte(`{"id":"42"}`))
		}))
		id, err := ex.ResolveTarget(context.Background(), "sessionid=abc", "https://social.example.com/p/xyz")
		if err != nil {
			t.Fatalf("ResolveTarget: %v", err)
		}
		if id != "42" {
			t.Fatalf("id = %q", id)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		if _, err := ex.ResolveTarget(context.Background(), "sessionid=abc", "https://x.example.com/p/1"); !errors.Is(err, ErrTargetUnresolved) {
			t.Fatalf("err = %v, want ErrTargetUnresolved", err)
		}
	})
}

func TestShare(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.PostForm.Get("id") != "42" || r.PostForm.Get("token") != "tok-1" {
				t.Errorf("unexpected form: %v", r.PostForm)
			}
			w.WriteHeader(http.StatusOK)
		}))
		if err := ex.Share(context.Background(), "sessionid=abc", "tok-1", "42"); err != nil {
			t.Fatalf("Share: %v", err)
		}
	})

	t.Run("rejected counts as plain error", func(t *testing.T) {
		t.Parallel()
		ex := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		err := ex.Share(context.Background(), "sessionid=abc", "tok-1", "42")
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrCredentialInvalid) || errors.Is(err, ErrTokenUnavailable) || errors.Is(err, ErrTargetUnresolved) {
			t.Fatalf("share failure must not be a setup sentinel, got %v", err)
		}
	})
}

func TestNewHTTPRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTP(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
