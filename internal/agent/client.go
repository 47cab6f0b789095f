// Package agent invokes the conversational agent backend over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL           = "https://agenticbuilder.onrender.com"
	defaultChannel           = "api"
	defaultMaxIterations     = 30
	defaultMaxToolIterations = 10
	maxErrorBody             = 2048
)

var (
	ErrMissingAgentID = errors.New("agent: agent id is required")
	ErrEmptyMessage   = errors.New("agent: message is required")
)

// APIError is a non-2xx reply from the agent backend.
type APIError struct {
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.Code, e.Body)
}

// Reply is the agent's answer to one message.
type Reply struct {
	Text      string
	SessionID string
}

type invokeRequest struct {
	AgentID           string `json:"agent_id"`
	Message           string `json:"message"`
	Channel           string `json:"channel"`
	PersistMessages   bool   `json:"persist_messages"`
	MaxIterations     int    `json:"max_iterations"`
	MaxToolIterations int    `json:"max_tool_iterations"`
	SessionID         string `json:"session_id,omitempty"`
}

type invokeResponse struct {
	Response  *string `json:"response"`
	Message   *string `json:"message"`
	SessionID *string `json:"session_id"`
	Success   *bool   `json:"success"`
	Error     *string `json:"error"`
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client calls POST api/agent/invoke. The API key is forwarded as X-API-Key.
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	http    *http.Client
	timeout time.Duration
}

func NewClient(apiKey, agentID string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		agentID: agentID,
		http:    http.DefaultClient,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke sends message to the configured agent. An empty sessionID starts a
// new conversation; the reply carries the id to continue it.
func (c *Client) Invoke(ctx context.Context, message, sessionID string) (Reply, error) {
	return c.InvokeAgent(ctx, c.agentID, message, sessionID)
}

func (c *Client) InvokeAgent(ctx context.Context, agentID, message, sessionID string) (Reply, error) {
	if agentID == "" {
		return Reply{}, ErrMissingAgentID
	}
	if strings.TrimSpace(message) == "" {
		return Reply{}, ErrEmptyMessage
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(invokeRequest{
		AgentID:           agentID,
		Message:           message,
		Channel:           defaultChannel,
		PersistMessages:   true,
		MaxIterations:     defaultMaxIterations,
		MaxToolIterations: defaultMaxToolIterations,
		SessionID:         sessionID,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/invoke", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("agent: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Reply{}, &APIError{Code: resp.StatusCode, Body: string(b)}
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("agent: decode response: %w", err)
	}
	if out.Success != nil && !*out.Success {
		msg := deref(out.Error)
		if msg == "" {
			msg = "agent reported failure"
		}
		return Reply{}, fmt.Errorf("agent: %s", msg)
	}

	// Backends answer in either field.
	text := deref(out.Response)
	if text == "" {
		text = deref(out.Message)
	}
	sid := deref(out.SessionID)
	if sid == "" {
		sid = sessionID
	}
	return Reply{Text: text, SessionID: sid}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
