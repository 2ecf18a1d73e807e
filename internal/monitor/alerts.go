package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trading-client/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	s.Logger.Warn("alert", zap.String("message", message))
	return nil
}

// Alerter forwards risk halts and failed exits to an AlertSink so the desk
// hears about them even when nobody watches the log.
type Alerter struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

// Start subscribes and forwards until ctx is canceled.
func (a *Alerter) Start(ctx context.Context) {
	riskCh, unsubRisk := a.Bus.Subscribe(events.EventRiskAlert, 50)
	exitCh, unsubExit := a.Bus.Subscribe(events.EventExitFailed, 50)

	go func() {
		defer unsubRisk()
		defer unsubExit()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-riskCh:
				if !ok {
					return
				}
				a.deliver(formatAlert(msg))
			case msg, ok := <-exitCh:
				if !ok {
					return
				}
				a.deliver(formatAlert(msg))
			}
		}
	}()
}

func (a *Alerter) deliver(message string) {
	if err := a.Sink.Send(message); err != nil {
		a.Logger.Error("alert delivery failed", zap.Error(err))
	}
}

func formatAlert(msg any) string {
	switch v := msg.(type) {
	case events.RiskEvent:
		return fmt.Sprintf("risk halt [%s]: %s", v.Code, v.Detail)
	case events.PositionEvent:
		return fmt.Sprintf("exit failed for %s: %s", v.Symbol, v.Reason)
	default:
		return fmt.Sprintf("alert: %v", msg)
	}
}
