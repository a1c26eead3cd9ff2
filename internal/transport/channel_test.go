package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// TestEchoRoundTrip tests that messages arrive intact and in order
func TestEchoRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Accept(w, r, Options{})
		if err != nil {
			return
		}
		defer ch.Close()
		ctx := context.Background()
		for {
			msg, err := ch.Receive(ctx)
			if err != nil {
				return
			}
			if err := ch.Send(ctx, msg); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL(server), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	want := []string{"one", "two", strings.Repeat("x", 64*1024)}
	for _, m := range want {
		if err := client.Send(ctx, []byte(m)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i, m := range want {
		got, err := client.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
		if string(got) != m {
			t.Errorf("Expected message %d of length %d, got length %d", i, len(m), len(got))
		}
	}
}

// TestDialUnreachable tests that a refused connection is reported as a ConnectionError
func TestDialUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, Options{})
	var connErr *model.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if connErr.URL != url {
		t.Errorf("Expected URL %s, got %s", url, connErr.URL)
	}
}

// TestReadTimeout tests that a silent peer surfaces as ErrTransportTimeout
func TestReadTimeout(t *testing.T) {
	accepted := make(chan *Channel, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Accept(w, r, Options{ReadTimeout: 100 * time.Millisecond, PingInterval: time.Hour})
		if err != nil {
			return
		}
		accepted <- ch
	}))
	defer server.Close()

	// A raw peer that never reads, so pings go unanswered.
	raw, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer raw.Close()

	ch := <-accepted
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ch.Receive(ctx)
	if !errors.Is(err, model.ErrTransportTimeout) {
		t.Errorf("Expected ErrTransportTimeout, got %v", err)
	}
	if err := ch.Send(ctx, []byte("late")); err == nil {
		t.Error("Expected Send to fail after timeout")
	}
}

// TestPeerClose tests that a closed peer surfaces as ErrTransportClosed
func TestPeerClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Accept(w, r, Options{})
		if err != nil {
			return
		}
		ch.Close()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL(server), Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	_, err = client.Receive(ctx)
	if !errors.Is(err, model.ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
	select {
	case <-client.Done():
	default:
		t.Error("Expected Done to be closed")
	}
}
