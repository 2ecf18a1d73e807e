package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

// signalServer serves a websocket that writes each message from send to every
// connection, then holds the connection open.
func signalServer(t *testing.T, send <-chan string, conns *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns != nil {
			conns.Add(1)
		}
		defer conn.Close()
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedDeliversSignals(t *testing.T) {
	send := make(chan string, 4)
	srv := signalServer(t, send, nil)
	defer srv.Close()
	defer close(send)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(wsURL(srv), zap.NewNop())
	out := f.Run(ctx)

	send <- `{"pair":"BTC/USDT","side":"buy","entry_price":50000,"stop_loss":49000,"take_profit":53000,"confidence":0.8,"timestamp":1700000000}`

	select {
	case sig := <-out:
		if sig.Symbol() != "BTC/USDT" || !sig.IsLong() {
			t.Fatalf("decoded %+v", sig)
		}
		if sig.EntryPrice != 50000 || sig.Confidence != 0.8 {
			t.Fatalf("decoded %+v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no signal delivered")
	}
}

func TestFeedSkipsNoise(t *testing.T) {
	send := make(chan string, 4)
	srv := signalServer(t, send, nil)
	defer srv.Close()
	defer close(send)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(wsURL(srv), zap.NewNop())
	out := f.Run(ctx)

	send <- `not json at all`
	send <- `{"type":"heartbeat"}`
	send <- `{"pair":"ETH/USDT","side":"sell","entry_price":3000,"stop_loss":3100,"confidence":0.7,"timestamp":1700000000}`

	select {
	case sig := <-out:
		if sig.Symbol() != "ETH/USDT" {
			t.Fatalf("expected the real signal after noise, got %+v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal lost behind noise")
	}
}

func TestFeedReconnects(t *testing.T) {
	var conns atomic.Int32
	send := make(chan string)
	srv := signalServer(t, send, &conns)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(wsURL(srv), zap.NewNop())
	out := f.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for conns.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("feed never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Dropping the server side of the stream must trigger a reconnect.
	close(send)

	deadline = time.Now().Add(10 * time.Second)
	for conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("feed did not reconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			return // a buffered signal is fine; channel closes after drain
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after shutdown")
	}
}

func TestNextBackoff(t *testing.T) {
	if d := nextBackoff(time.Second); d != 2*time.Second {
		t.Fatalf("backoff = %v, want 2s", d)
	}
	if d := nextBackoff(20 * time.Second); d != maxBackoff {
		t.Fatalf("backoff = %v, want cap %v", d, maxBackoff)
	}
}
