// Package feed streams trade signals from the upstream analysis service over
// a websocket. It is deliberately thin: decode, hand off, reconnect. All
// judgement about a signal lives in the validator and executor.
package feed

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-client/internal/signal"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	readTimeout    = 90 * time.Second
	pingEvery      = 30 * time.Second
)

// Feed maintains a websocket subscription to the signal service.
type Feed struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// New builds a Feed for the given ws:// or wss:// URL.
func New(url string, logger *zap.Logger) *Feed {
	return &Feed{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Run connects and pushes decoded signals into the returned channel until ctx
// is canceled. Connection drops reconnect with capped exponential backoff;
// the channel stays open across reconnects and closes only on shutdown.
func (f *Feed) Run(ctx context.Context) <-chan signal.Signal {
	out := make(chan signal.Signal, 32)

	go func() {
		defer close(out)
		backoff := initialBackoff
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
			if err != nil {
				f.logger.Warn("signal feed dial failed",
					zap.String("url", f.url),
					zap.Duration("retry_in", backoff),
					zap.Error(err))
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}

			f.logger.Info("signal feed connected", zap.String("url", f.url))
			backoff = initialBackoff

			f.readLoop(ctx, conn, out)
			_ = conn.Close()

			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("signal feed disconnected, reconnecting",
				zap.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}()

	return out
}

// readLoop pumps one connection until it breaks or ctx ends.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- signal.Signal) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblock the reader so the loop can notice cancellation.
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			f.logger.Debug("signal feed read error", zap.Error(err))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var sig signal.Signal
		if err := json.Unmarshal(msg, &sig); err != nil {
			f.logger.Warn("undecodable signal dropped",
				zap.ByteString("payload", msg),
				zap.Error(err))
			continue
		}
		if sig.Pair == "" {
			// Heartbeats and service notices arrive on the same stream.
			continue
		}

		select {
		case out <- sig:
		default:
			f.logger.Warn("signal dropped, consumer falling behind",
				zap.String("pair", sig.Pair))
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
