package tokens

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchToken_SendsRoomAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("room") != "zain-voice-1a2b3c4d" || r.URL.Query().Get("identity") != "user-1" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok","url":"wss://lk.example"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	tok, err := c.FetchToken(context.Background(), "zain-voice-1a2b3c4d", "user-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tok.Value != "tok" || tok.ServerURL != "wss://lk.example" {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestFetchToken_URLIsOptional(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"tok"}`))
	}))
	defer srv.Close()

	tok, err := NewClient(srv.URL).FetchToken(context.Background(), "r", "i")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tok.ServerURL != "" {
		t.Fatalf("expected empty server url, got %q", tok.ServerURL)
	}
}

func TestFetchToken_StatusErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"LiveKit credentials not configured"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchToken(context.Background(), "r", "i")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status in message, got %q", err.Error())
	}
}

func TestFetchToken_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":""}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).FetchToken(context.Background(), "r", "i"); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestFetchToken_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	start := time.Now()
	if _, err := c.FetchToken(context.Background(), "r", "i"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honoured")
	}
}

func TestStaticSource(t *testing.T) {
	s := StaticSource{Token: Token{Value: "demo"}}
	tok, err := s.FetchToken(context.Background(), "any", "one")
	if err != nil || tok.Value != "demo" {
		t.Fatalf("unexpected %+v %v", tok, err)
	}
}
