// ABOUTME: Access token provider for the upstream feed: cached token, refresh, re-login
// ABOUTME: Concurrent refreshes collapse into one exchange via singleflight

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds one shared refresh, login fallback included.
const refreshTimeout = 30 * time.Second

// Provider errors
var (
	// ErrNotAvailable means there is no usable access token right now.
	ErrNotAvailable = errors.New("access token not available")
	// ErrAuthFailure means the upstream refused every way we have of authenticating.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrRefreshRejected means the refresh token itself was refused (expired or blacklisted).
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Provider supplies bearer tokens for the upstream connection.
type Provider interface {
	// CurrentToken returns the cached access token without blocking,
	// or ErrNotAvailable when it is missing or about to expire.
	CurrentToken() (string, error)
	// Refresh obtains a new access token, re-authenticating if needed.
	Refresh(ctx context.Context) (string, error)
}

// Authenticator performs a full login when the refresh token is no longer usable.
type Authenticator interface {
	Login(ctx context.Context) (Credentials, error)
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	RefreshURL string
	Store      CredentialStore
	// Login is the fallback when the refresh token is rejected. Optional.
	Login      Authenticator
	HTTPClient *http.Client
	// Skew treats tokens expiring within this window as already expired.
	Skew   time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// HTTPProvider exchanges refresh tokens over HTTP and persists the results.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
	logger *slog.Logger

	mu    sync.RWMutex
	creds Credentials

	sf singleflight.Group
}

// NewHTTPProvider creates a provider and primes its cache from the store.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Skew == 0 {
		cfg.Skew = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryCredentialStore(Credentials{})
	}

	p := &HTTPProvider{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: cfg.Logger.With("component", "token-provider"),
	}
	if creds, err := cfg.Store.Load(); err == nil {
		p.creds = creds
	} else if !errors.Is(err, ErrNoCredentials) {
		p.logger.Warn("failed to load stored credentials", "error", err)
	}
	return p
}

// CurrentToken implements Provider.
func (p *HTTPProvider) CurrentToken() (string, error) {
	p.mu.RLock()
	access := p.creds.Access
	p.mu.RUnlock()

	if access == "" || TokenExpired(access, p.cfg.Now(), p.cfg.Skew) {
		return "", ErrNotAvailable
	}
	return access, nil
}

// Refresh implements Provider. Callers waiting on an in-flight refresh stop
// waiting when their own ctx is done.
func (p *HTTPProvider) Refresh(ctx context.Context) (string, error) {
	ch := p.sf.DoChan("refresh", func() (interface{}, error) {
		// Shared by every waiter; outlives any single caller's ctx.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return p.refresh(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *HTTPProvider) refresh(ctx context.Context) (string, error) {
	p.mu.RLock()
	creds := p.creds
	p.mu.RUnlock()

	if creds.Refresh != "" && p.cfg.RefreshURL != "" {
		next, err := p.exchange(ctx, creds)
		if err != nil && !errors.Is(err, ErrRefreshRejected) && ctx.Err() == nil {
			p.logger.Warn("token refresh failed, retrying once", "error", err)
			next, err = p.exchange(ctx, creds)
		}
		switch {
		case err == nil:
			return p.store(next)
		case errors.Is(err, ErrRefreshRejected):
			p.logger.Info("refresh token rejected, falling back to login")
		default:
			return "", fmt.Errorf("refreshing token: %w", err)
		}
	}

	if p.cfg.Login == nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailure, ErrNoCredentials)
	}
	next, err := p.cfg.Login.Login(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: login: %v", ErrAuthFailure, err)
	}
	p.logger.Info("re-authenticated with stored login")
	return p.store(next)
}

func (p *HTTPProvider) store(creds Credentials) (string, error) {
	if creds.Access == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuthFailure)
	}

	p.mu.Lock()
	if creds.Refresh == "" {
		creds.Refresh = p.creds.Refresh
	}
	p.creds = creds
	p.mu.Unlock()

	if err := p.cfg.Store.Save(creds); err != nil {
		p.logger.Warn("failed to persist credentials", "error", err)
	}
	return creds.Access, nil
}

// exchange trades the refresh token for a new access token.
func (p *HTTPProvider) exchange(ctx context.Context, creds Credentials) (Credentials, error) {
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	status, body, err := postJSON(ctx, p.client, p.cfg.RefreshURL, map[string]string{"refresh": creds.Refresh}, &out)
	if err != nil {
		return Credentials{}, err
	}
	if status == http.StatusUnauthorized || (status >= 400 && status < 500 && refreshRejected(body)) {
		return Credentials{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, status)
	}
	if status != http.StatusOK {
		return Credentials{}, fmt.Errorf("refresh endpoint returned status %d", status)
	}
	return Credentials{Access: out.Access, Refresh: out.Refresh}, nil
}

// refreshRejected looks for the "blacklisted" / token_not_valid markers the
// upstream puts in 4xx exchange error payloads.
func refreshRejected(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "blacklisted") || strings.Contains(s, "token_not_valid")
}

// PasswordLogin authenticates with a stored phone number and password.
type PasswordLogin struct {
	URL         string
	PhoneNumber string
	Password    string
	HTTPClient  *http.Client
}

// Login implements Authenticator.
func (l *PasswordLogin) Login(ctx context.Context) (Credentials, error) {
	if l.PhoneNumber == "" || l.Password == "" {
		return Credentials{}, ErrNoCredentials
	}
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	var out Credentials
	status, _, err := postJSON(ctx, client, l.URL, map[string]string{
		"phone_number": l.PhoneNumber,
		"password":     l.Password,
	}, &out)
	if err != nil {
		return Credentials{}, err
	}
	if status != http.StatusOK {
		return Credentials{}, fmt.Errorf("login endpoint returned status %d", status)
	}
	return out, nil
}

// postJSON sends payload and decodes a 200 response into out. The raw body
// is returned for non-200 responses.
func postJSON(ctx context.Context, client *http.Client, url string, payload, out interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, body, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, body, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, body, nil
}
