// Package neoconnect is a minimal Kotak Neo session and feed client: the
// two-step TOTP login flow and the streaming websocket the harvester reads
// ticks from. Only the surface this system needs is implemented.
package neoconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	defaultBaseURL = "https://gw-napi.kotaksecurities.com"
	defaultTimeout = 10 * time.Second
)

// Config holds the broker credentials.
type Config struct {
	ConsumerKey string
	Mobile      string
	UCC         string
	MPIN        string
	TOTPSecret  string

	BaseURL string        // override for tests
	Timeout time.Duration // HTTP timeout, default 10s
}

// Client performs authentication and tracks the live session. Safe for
// concurrent use; Login/Refresh serialize on the mutex.
type Client struct {
	cfg  Config
	http *http.Client

	mu            sync.Mutex
	token         string
	sid           string
	establishedAt time.Time
}

// NewClient creates an authentication client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type loginResponse struct {
	Data struct {
		Token string `json:"token"`
		Sid   string `json:"sid"`
	} `json:"data"`
	Error string `json:"error"`
}

// Login runs the two-step TOTP flow: generate the current code from the
// shared secret, exchange it for a view token, then validate the MPIN for
// the session token.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}

	var view loginResponse
	err = c.post(ctx, "/login/1.0/login/v6/totp/login", "", map[string]string{
		"mobileNumber": c.cfg.Mobile,
		"ucc":          c.cfg.UCC,
		"totp":         code,
	}, &view)
	if err != nil {
		return fmt.Errorf("totp login: %w", err)
	}
	if view.Data.Token == "" {
		return fmt.Errorf("totp login: no token in response (%s)", view.Error)
	}

	var session loginResponse
	err = c.post(ctx, "/login/1.0/login/v6/totp/validate", view.Data.Token, map[string]string{
		"mpin": c.cfg.MPIN,
		"sid":  view.Data.Sid,
	}, &session)
	if err != nil {
		return fmt.Errorf("totp validate: %w", err)
	}
	if session.Data.Token == "" {
		return fmt.Errorf("totp validate: no token in response (%s)", session.Error)
	}

	c.mu.Lock()
	c.token = session.Data.Token
	c.sid = session.Data.Sid
	c.establishedAt = time.Now()
	c.mu.Unlock()

	log.Printf("[neoconnect] SESSION_ESTABLISHED | ucc=%s", c.cfg.UCC)
	return nil
}

// RefreshIfStale re-authenticates when the session is older than maxAge.
// TOTP codes rotate, so a fresh login always uses the current code.
func (c *Client) RefreshIfStale(ctx context.Context, maxAge time.Duration) error {
	c.mu.Lock()
	stale := c.token == "" || time.Since(c.establishedAt) > maxAge
	c.mu.Unlock()
	if !stale {
		return nil
	}
	log.Printf("[neoconnect] SESSION_REFRESH | max_age=%s", maxAge)
	return c.Login(ctx)
}

// Session returns the current token and sid for the feed handshake.
func (c *Client) Session() (token, sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.sid
}

func (c *Client) post(ctx context.Context, path, auth string, body map[string]string, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("neo-fin-key", c.cfg.ConsumerKey)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(data, 200))
	}
	return json.Unmarshal(data, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
