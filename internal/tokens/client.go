// Package tokens fetches, issues and verifies short-lived room credentials.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Token authorizes one participant to join one room.
type Token struct {
	Value string
	// ServerURL is empty when the backend leaves the endpoint to the client.
	ServerURL string
}

// Source produces a Token for a room and identity.
type Source interface {
	FetchToken(ctx context.Context, room, identity string) (Token, error)
}

// StatusError is a non-2xx reply from the token backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token backend returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("token backend returned HTTP %d: %s", e.Code, e.Body)
}

var ErrEmptyToken = errors.New("tokens: backend returned an empty token")

const (
	defaultTimeout = 5 * time.Second
	maxErrorBody   = 512
)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds each fetch, including connection setup.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// Client talks to the token backend over GET api/token.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
}

func (c *Client) FetchToken(ctx context.Context, room, identity string) (Token, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("room", room)
	q.Set("identity", identity)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/token?"+q.Encode(), nil)
	if err != nil {
		return Token{}, fmt.Errorf("tokens: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("tokens: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Token{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("tokens: decode response: %w", err)
	}
	if out.Token == "" {
		return Token{}, ErrEmptyToken
	}
	return Token{Value: out.Token, ServerURL: out.URL}, nil
}

// StaticSource always returns the same Token. Demo mode uses it.
type StaticSource struct {
	Token Token
}

func (s StaticSource) FetchToken(_ context.Context, _, _ string) (Token, error) {
	return s.Token, nil
}
