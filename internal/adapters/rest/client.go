// Package rest talks to the backend's authenticated request API: the
// calling config endpoint and the calling message endpoint.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dkeye/Calling/internal/domain"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// ErrUnauthorized is returned when the backend refused the access token.
var ErrUnauthorized = errors.New("unauthorized")

type Client struct {
	base   *url.URL
	self   domain.Device
	tokens *TokenSource
	http   *http.Client
}

func NewClient(baseURL string, self domain.Device, tokens *TokenSource, hc *http.Client) (*Client, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: u, self: self, tokens: tokens, http: hc}, nil
}

func parseBase(raw string) (*url.URL, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return nil, errors.New("base URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}
	return u, nil
}

func (c *Client) endpoint(elem ...string) *url.URL {
	u := *c.base
	u.Path = path.Join(append([]string{"/", u.Path}, elem...)...)
	return &u
}

func (c *Client) FetchCallingConfig(ctx context.Context, limit int) (*domain.CallingConfig, error) {
	u := c.endpoint("calls", "config", "v2")
	if limit > 0 {
		q := u.Query()
		q.Set("limit", fmt.Sprintf("%d", limit))
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch calling config")
	}
	var cfg domain.CallingConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode calling config")
	}
	log.Debug().Str("module", "rest").Int("ice_servers", len(cfg.ICEServers)).Int("ttl", cfg.TTL).Msg("calling config fetched")
	return &cfg, nil
}

type callingMessage struct {
	Sender  domain.ClientID `json:"sender"`
	Content string          `json:"content"`
}

func (c *Client) SendCallingMessage(ctx context.Context, conv domain.ConversationID, payload []byte) error {
	raw, err := json.Marshal(callingMessage{Sender: c.self.Client, Content: string(payload)})
	if err != nil {
		return err
	}
	u := c.endpoint("conversations", string(conv), "calling")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := c.do(req); err != nil {
		return errors.Wrapf(err, "send calling message to %s", conv)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	token, ok := c.tokens.AccessToken()
	if !ok {
		c.tokens.RequestRefresh("expired")
		return nil, ErrUnauthorized
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.RequestRefresh("unauthorized")
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
