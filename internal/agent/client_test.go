package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInvoke_SendsRequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/agent/invoke" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "key-1" {
			t.Errorf("expected api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"response":"hi there","session_id":"s-1","success":true}`))
	}))
	defer srv.Close()

	c := NewClient("key-1", "agent-1", WithBaseURL(srv.URL+"/"))
	reply, err := c.Invoke(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.Text != "hi there" || reply.SessionID != "s-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if got["agent_id"] != "agent-1" || got["message"] != "hello" || got["channel"] != "api" {
		t.Fatalf("unexpected body %v", got)
	}
	if got["persist_messages"] != true || got["max_iterations"] != float64(30) || got["max_tool_iterations"] != float64(10) {
		t.Fatalf("unexpected limits %v", got)
	}
	if _, ok := got["session_id"]; ok {
		t.Fatalf("expected session_id omitted for a new conversation")
	}
}

func TestInvoke_FallsBackToMessageAndSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"from message"}`))
	}))
	defer srv.Close()

	reply, err := NewClient("k", "a", WithBaseURL(srv.URL)).Invoke(context.Background(), "q", "s-9")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.Text != "from message" || reply.SessionID != "s-9" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestInvoke_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	_, err := NewClient("k", "a", WithBaseURL(srv.URL)).Invoke(context.Background(), "q", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected APIError 401, got %v", err)
	}
	if err.Error() != "API Error 401: bad key" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestInvoke_ReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"agent offline"}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", "a", WithBaseURL(srv.URL)).Invoke(context.Background(), "q", "")
	if err == nil || !strings.Contains(err.Error(), "agent offline") {
		t.Fatalf("expected reported failure, got %v", err)
	}
}

func TestInvoke_ValidatesInput(t *testing.T) {
	c := NewClient("k", "")
	if _, err := c.Invoke(context.Background(), "q", ""); !errors.Is(err, ErrMissingAgentID) {
		t.Fatalf("expected ErrMissingAgentID, got %v", err)
	}
	if _, err := c.InvokeAgent(context.Background(), "a", "  ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}
