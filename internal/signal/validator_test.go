package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"trading-client/pkg/config"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(secret string) *Validator {
	v := NewValidator(secret, 30*time.Second, 0.55, config.DefaultTunables(), zap.NewNop())
	v.now = func() time.Time { return testNow }
	return v
}

func validSignal() Signal {
	return Signal{
		Pair:       "BTC/USDT",
		Side:       "buy",
		EntryPrice: 50000,
		StopLoss:   49000,
		TakeProfit: 52000,
		Confidence: 0.70,
		Timestamp:  testNow.Unix(),
	}
}

func rejectionCode(t *testing.T, err error) string {
	t.Helper()
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	return rej.Code
}

func TestValidateAcceptsCleanSignal(t *testing.T) {
	v := newTestValidator("")
	got, err := v.Validate(validSignal())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Side != "buy" || got.Pair != "BTC/USDT" {
		t.Errorf("signal not normalized: %+v", got)
	}
	if got.StopLoss != 49000 || got.Target() != 52000 {
		t.Errorf("valid levels should not be corrected: sl=%v tp=%v", got.StopLoss, got.Target())
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*Signal)
		wantCode string
	}{
		{"missing pair", func(s *Signal) { s.Pair = "" }, CodeMissingField},
		{"missing side", func(s *Signal) { s.Side = "" }, CodeMissingField},
		{"unsupported pair", func(s *Signal) { s.Pair = "SHIB/USDT" }, CodeUnsupportedPair},
		{"invalid side", func(s *Signal) { s.Side = "straddle" }, CodeInvalidSide},
		{"expired", func(s *Signal) { s.Timestamp = testNow.Add(-31 * time.Second).Unix() }, CodeExpired},
		{"future timestamp", func(s *Signal) { s.Timestamp = testNow.Add(10 * time.Second).Unix() }, CodeFutureTimestamp},
		{"zero entry", func(s *Signal) { s.EntryPrice = 0 }, CodeInvalidPrice},
		{"zero stop", func(s *Signal) { s.StopLoss = 0 }, CodeInvalidPrice},
		{"confidence above one", func(s *Signal) { s.Confidence = 1.2 }, CodeInvalidConfidence},
		{"confidence too low", func(s *Signal) { s.Confidence = 0.50 }, CodeConfidenceTooLow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestValidator("")
			sig := validSignal()
			tc.mutate(&sig)
			_, err := v.Validate(sig)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if code := rejectionCode(t, err); code != tc.wantCode {
				t.Errorf("expected code %s, got %s", tc.wantCode, code)
			}
		})
	}
}

func TestValidateToleratesSmallClockDrift(t *testing.T) {
	v := newTestValidator("")
	sig := validSignal()
	sig.Timestamp = testNow.Add(4 * time.Second).Unix()
	if _, err := v.Validate(sig); err != nil {
		t.Errorf("4s drift should pass: %v", err)
	}
}

func TestValidateCorrectsWrongSideStop(t *testing.T) {
	v := newTestValidator("")
	sig := validSignal()
	sig.StopLoss = 50500 // above entry on a long

	got, err := v.Validate(sig)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := 50000 * (1 - correctedStopPct)
	if got.StopLoss != want {
		t.Errorf("expected stop corrected to %v, got %v", want, got.StopLoss)
	}
}

func TestValidateCorrectsShortStop(t *testing.T) {
	v := newTestValidator("")
	sig := validSignal()
	sig.Side = "short"
	sig.StopLoss = 49500 // below entry on a short
	sig.TakeProfit = 48000

	got, err := v.Validate(sig)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := 50000 * (1 + correctedStopPct)
	if got.StopLoss != want {
		t.Errorf("expected stop corrected to %v, got %v", want, got.StopLoss)
	}
	if got.Side != "sell" {
		t.Errorf("expected side normalized to sell, got %s", got.Side)
	}
}

func TestValidateCorrectsNearTarget(t *testing.T) {
	v := newTestValidator("")
	sig := validSignal()
	sig.TakeProfit = 50100 // inside the minimum gap

	got, err := v.Validate(sig)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Stop distance is 1000, so 2x beats the 3% floor.
	if got.Target() != 52000 {
		t.Errorf("expected target corrected to 52000, got %v", got.Target())
	}
}

func TestValidateDefaultsMissingTarget(t *testing.T) {
	v := newTestValidator("")
	sig := validSignal()
	sig.TakeProfit = 0

	got, err := v.Validate(sig)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Target() != 52000 {
		t.Errorf("expected default target 2x stop distance (52000), got %v", got.Target())
	}
}

func TestValidateDuplicateSuppression(t *testing.T) {
	v := newTestValidator("")

	if _, err := v.Validate(validSignal()); err != nil {
		t.Fatalf("first signal: %v", err)
	}

	_, err := v.Validate(validSignal())
	if err == nil {
		t.Fatal("expected duplicate rejection")
	}
	if code := rejectionCode(t, err); code != CodeDuplicate {
		t.Errorf("expected duplicate code, got %s", code)
	}

	// A continuing signal refreshes the same setup without tripping dedup.
	cont := validSignal()
	cont.Continuing = true
	if _, err := v.Validate(cont); err != nil {
		t.Errorf("continuing signal should pass: %v", err)
	}

	// A different entry price is a new setup.
	moved := validSignal()
	moved.EntryPrice = 50100
	moved.StopLoss = 49100
	if _, err := v.Validate(moved); err != nil {
		t.Errorf("different entry should pass: %v", err)
	}
}

func TestValidateSignature(t *testing.T) {
	const secret = "feed-secret"

	sign := func(s *Signal) {
		payload := fmt.Sprintf("%s|%s|%d", s.Pair, s.Side, s.Timestamp)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(payload))
		s.Signature = hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("valid signature passes", func(t *testing.T) {
		v := newTestValidator(secret)
		sig := validSignal()
		sign(&sig)
		if _, err := v.Validate(sig); err != nil {
			t.Errorf("signed signal rejected: %v", err)
		}
	})

	t.Run("missing signature fails closed", func(t *testing.T) {
		v := newTestValidator(secret)
		_, err := v.Validate(validSignal())
		if code := rejectionCode(t, err); code != CodeMissingSignature {
			t.Errorf("expected missing_signature, got %s", code)
		}
	})

	t.Run("tampered payload fails", func(t *testing.T) {
		v := newTestValidator(secret)
		sig := validSignal()
		sign(&sig)
		sig.Side = "sell"
		_, err := v.Validate(sig)
		if code := rejectionCode(t, err); code != CodeBadSignature {
			t.Errorf("expected bad_signature, got %s", code)
		}
	})

	t.Run("unsigned allowed when no secret", func(t *testing.T) {
		v := newTestValidator("")
		if _, err := v.Validate(validSignal()); err != nil {
			t.Errorf("unsigned signal should pass without secret: %v", err)
		}
	})
}

func TestValidateHoldSkipsPriceChecks(t *testing.T) {
	v := newTestValidator("")
	sig := Signal{Pair: "ETH/USDT", Side: "HOLD", Timestamp: testNow.Unix()}

	got, err := v.Validate(sig)
	if err != nil {
		t.Fatalf("hold signal rejected: %v", err)
	}
	if !got.IsHold() {
		t.Errorf("expected hold, got side %s", got.Side)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btcusdt":  "BTC/USDT",
		"BTC/USDT": "BTC/USDT",
		"ethusdc":  "ETH/USDC",
		"SOLUSDT":  "SOL/USDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
