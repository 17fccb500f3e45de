package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "sharemill/pkg/logx"
)

// Config tunes the HTTP executor. Zero values pick conservative defaults.
type Config struct {
	// BaseURL is the platform root, e.g. "https://social.example.com".
	BaseURL string

	// APIRate caps general platform calls per second (validation, token,
	// resolution). Default 5.
	APIRate float64

	// ShareRate caps share actions per second across all sessions. This is
	// deliberately tighter than APIRate. Default 1.
	ShareRate float64

	// RequestTimeout bounds each platform call. Default 15s.
	RequestTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.APIRate <= 0 {
		c.APIRate = 5
	}
	if c.ShareRate <= 0 {
		c.ShareRate = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
}

// httpExecutor talks to the platform over plain HTTP, carrying the session
// credential as a Cookie header. The two limiters are owned by the executor
// and shared across every session that uses it.
type httpExecutor struct {
	base     string
	client   *http.Client
	log      logx.Logger
	apiLim   *rate.Limiter
	shareLim *rate.Limiter
}

// NewHTTP builds the production executor.
func NewHTTP(cfg Config, log logx.Logger) (Executor, error) {
	cfg.setDefaults()
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("executor: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("executor: invalid base url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &httpExecutor{
		base: base,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		log:      log,
		apiLim:   rate.NewLimiter(rate.Limit(cfg.APIRate), 1),
		shareLim: rate.NewLimiter(rate.Limit(cfg.ShareRate), 1),
	}, nil
}

func (e *httpExecutor) ValidateCredential(ctx context.Context, credential string) error {
	if err := e.apiLim.Wait(ctx); err != nil {
		return err
	}
	resp, err := e.do(ctx, http.MethodGet, "/api/account/me", credential, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrCredentialInvalid
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrCredentialInvalid, resp.StatusCode)
	}
}

func (e *httpExecutor) DeriveToken(ctx context.Context, credential string) (string, error) {
	if err := e.apiLim.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := e.do(ctx, http.MethodGet, "/api/account/token", credential, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrTokenUnavailable, resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTokenUnavailable, err)
	}
	if strings.TrimSpace(body.Token) == "" {
		return "", ErrTokenUnavailable
	}
	return body.Token, nil
}

func (e *httpExecutor) ResolveTarget(ctx context.Context, credential, target string) (string, error) {
	if err := e.apiLim.Wait(ctx); err != nil {
		return "", err
	}
	q := url.Values{"url": {target}}
	resp, err := e.do(ctx, http.MethodGet, "/api/resolve?"+q.Encode(), credential, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTargetUnresolved, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrTargetUnresolved, resp.StatusCode)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTargetUnresolved, err)
	}
	if strings.TrimSpace(body.ID) == "" {
		return "", ErrTargetUnresolved
	}
	return body.ID, nil
}

func (e *httpExecutor) Share(ctx context.Context, credential, token, targetID string) error {
	if err := e.apiLim.Wait(ctx); err != nil {
		return err
	}
	if err := e.shareLim.Wait(ctx); err != nil {
		return err
	}
	form := url.Values{
		"id":    {targetID},
		"token": {token},
	}
	resp, err := e.doForm(ctx, "/api/share", credential, form)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("share rejected: status %d", resp.StatusCode)
	}
	return nil
}

func (e *httpExecutor) do(ctx context.Context, method, path, credential string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", credential)
	req.Header.Set("Accept", "application/json")
	return e.client.Do(req)
}

func (e *httpExecutor) doForm(ctx context.Context, path, credential string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", credential)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return e.client.Do(req)
}

// drain keeps the connection reusable.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
