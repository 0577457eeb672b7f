package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramSendSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	transport := NewTelegramTransport("token", srv.URL, time.Second, zerolog.Nop())
	if err := transport.Send(context.Background(), "12345", "BTC crossed below 97"); err != nil {
		t.Fatalf("send should succeed: %v", err)
	}

	if received["chat_id"] != "12345" {
		t.Fatalf("owner should be routed as chat_id: %#v", received)
	}
	if received["text"] == "" {
		t.Fatal("message text should be non-empty")
	}
}

func TestTelegramSendNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	transport := NewTelegramTransport("token", srv.URL, time.Second, zerolog.Nop())
	if err := transport.Send(context.Background(), "12345", "msg"); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestTelegramSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	transport := NewTelegramTransport("token", srv.URL, time.Second, zerolog.Nop())
	if err := transport.Send(context.Background(), "12345", "msg"); err == nil {
		t.Fatal("HTTP 403 should be an error")
	}
}
