package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// expirySkew makes a token count as expired slightly before the backend
// would refuse it.
const expirySkew = 5 * time.Second

type accessResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource holds the access token and renews it against POST /access
// using the long-lived refresh cookie.
type TokenSource struct {
	ctx     context.Context
	base    string
	refresh string
	sched   core.Scheduler
	http    *http.Client

	mu         sync.Mutex
	token      string
	expires    time.Time
	refreshing bool
	listeners  []func()
}

func NewTokenSource(ctx context.Context, baseURL, refreshToken string, sched core.Scheduler, hc *http.Client) *TokenSource {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &TokenSource{
		ctx:     ctx,
		base:    strings.TrimRight(baseURL, "/"),
		refresh: refreshToken,
		sched:   sched,
		http:    hc,
	}
}

// Set installs a token valid for ttl. A non-positive ttl never expires.
func (t *TokenSource) Set(token string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	if ttl > 0 {
		t.expires = t.sched.Now().Add(ttl)
	} else {
		t.expires = time.Time{}
	}
}

func (t *TokenSource) AccessToken() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" {
		return "", false
	}
	if !t.expires.IsZero() && !t.sched.Now().Add(expirySkew).Before(t.expires) {
		return t.token, false
	}
	return t.token, true
}

// OnRefreshed registers fn to run after every successful renewal.
func (t *TokenSource) OnRefreshed(fn func()) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// RequestRefresh starts a renewal unless one is already running.
func (t *TokenSource) RequestRefresh(reason string) {
	t.mu.Lock()
	if t.refreshing {
		t.mu.Unlock()
		return
	}
	t.refreshing = true
	t.mu.Unlock()

	log.Info().Str("module", "rest").Str("reason", reason).Msg("access token refresh requested")
	go func() {
		err := t.renew(t.ctx)

		t.mu.Lock()
		t.refreshing = false
		listeners := append([]func(){}, t.listeners...)
		t.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Str("module", "rest").Msg("access token refresh failed")
			return
		}
		for _, fn := range listeners {
			fn()
		}
	}()
}

func (t *TokenSource) renew(ctx context.Context) error {
	if t.refresh == "" {
		return errors.New("no refresh token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/access", nil)
	if err != nil {
		return err
	}
	req.AddCookie(&http.Cookie{Name: "zuid", Value: t.refresh})
	resp, err := t.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "post access")
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("access HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var ar accessResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return errors.Wrap(err, "decode access response")
	}
	if ar.AccessToken == "" {
		return errors.New("access response without token")
	}
	t.Set(ar.AccessToken, time.Duration(ar.ExpiresIn)*time.Second)
	log.Info().Str("module", "rest").Int("expires_in", ar.ExpiresIn).Msg("access token refreshed")
	return nil
}
