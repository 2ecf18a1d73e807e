package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-client/pkg/config"
)

// Rejection codes, stable for logging and event payloads.
const (
	CodeMissingField       = "missing_field"
	CodeUnsupportedPair    = "unsupported_pair"
	CodeInvalidSide        = "invalid_side"
	CodeExpired            = "expired"
	CodeFutureTimestamp    = "future_timestamp"
	CodeMissingSignature   = "missing_signature"
	CodeBadSignature       = "bad_signature"
	CodeDuplicate          = "duplicate"
	CodeInvalidPrice       = "invalid_price"
	CodeStopWrongSide      = "stop_wrong_side"
	CodeStopTooTight       = "stop_too_tight"
	CodeInvalidConfidence  = "invalid_confidence"
	CodeConfidenceTooLow   = "confidence_too_low"
)

// RejectionError explains why a signal was refused.
type RejectionError struct {
	Code   string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("signal rejected (%s): %s", e.Code, e.Detail)
}

func reject(code, format string, args ...any) error {
	return &RejectionError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Drift the validator tolerates for timestamps slightly in the future.
const maxClockDrift = 5 * time.Second

// Auto-correction parameters. A stop on the wrong side of entry (within a
// 0.5% tolerance band) is moved to 1.5% away; a take-profit closer than
// 0.5% is moved to max(2x stop distance, 3%).
const (
	stopTolerancePct   = 0.005
	correctedStopPct   = 0.015
	minTargetGapPct    = 0.005
	correctedTargetPct = 0.03
)

type lastSeen struct {
	side  string
	entry float64
	at    time.Time
}

// Validator applies freshness, authenticity, dedup and sanity checks to
// incoming signals, auto-correcting recoverable stop and target levels.
type Validator struct {
	secret        string
	ttl           time.Duration
	minConfidence float64
	dupWindow     time.Duration
	tunables      *config.Tunables
	logger        *zap.Logger
	now           func() time.Time

	mu   sync.Mutex
	last map[string]lastSeen
}

// NewValidator builds a Validator. An empty secret disables signature
// verification, which is logged loudly since it leaves the feed unauthenticated.
func NewValidator(secret string, ttl time.Duration, minConfidence float64, tun *config.Tunables, logger *zap.Logger) *Validator {
	if secret == "" {
		logger.Warn("signal signature verification disabled: no secret configured")
	}
	return &Validator{
		secret:        secret,
		ttl:           ttl,
		minConfidence: minConfidence,
		dupWindow:     2 * time.Minute,
		tunables:      tun,
		logger:        logger,
		now:           time.Now,
		last:          make(map[string]lastSeen),
	}
}

// Validate checks the signal and returns a normalized, possibly corrected
// copy. The returned error is a *RejectionError when the signal is refused.
func (v *Validator) Validate(raw Signal) (Signal, error) {
	sig := raw
	now := v.now()

	if sig.Pair == "" {
		return sig, reject(CodeMissingField, "pair")
	}
	if strings.TrimSpace(sig.Side) == "" {
		return sig, reject(CodeMissingField, "side")
	}
	if sig.Timestamp == 0 {
		sig.Timestamp = now.Unix()
	}

	symbol := sig.Symbol()
	if !v.tunables.PairSupported(symbol) {
		return sig, reject(CodeUnsupportedPair, "%s", symbol)
	}

	side := strings.ToLower(sig.Side)
	switch side {
	case "long", "short", "buy", "sell", "hold":
	default:
		return sig, reject(CodeInvalidSide, "%s", sig.Side)
	}

	age := now.Sub(time.Unix(sig.Timestamp, 0))
	if age > v.ttl {
		return sig, reject(CodeExpired, "age %s exceeds ttl %s", age.Round(time.Second), v.ttl)
	}
	if age < -maxClockDrift {
		return sig, reject(CodeFutureTimestamp, "timestamp %d ahead by %s", sig.Timestamp, (-age).Round(time.Second))
	}

	if v.secret != "" {
		if sig.Signature == "" {
			return sig, reject(CodeMissingSignature, "signature required when secret configured")
		}
		if !v.verifySignature(&raw) {
			return sig, reject(CodeBadSignature, "hmac mismatch for %s", symbol)
		}
	}

	if v.isDuplicate(&sig, now) {
		return sig, reject(CodeDuplicate, "%s %s repeated within %s", symbol, side, v.dupWindow)
	}

	if sig.IsHold() {
		sig.Side = "hold"
		return sig, nil
	}

	if sig.EntryPrice <= 0 {
		return sig, reject(CodeInvalidPrice, "entry price %v", sig.EntryPrice)
	}
	if sig.StopLoss <= 0 {
		return sig, reject(CodeInvalidPrice, "stop loss %v", sig.StopLoss)
	}

	v.correctStop(&sig)

	// Strict re-check after correction. A stop still on the wrong side or
	// within the minimum distance would trigger instantly.
	entry, stop := sig.EntryPrice, sig.StopLoss
	if sig.IsLong() && stop >= entry {
		return sig, reject(CodeStopWrongSide, "long stop %.4f must be below entry %.4f", stop, entry)
	}
	if !sig.IsLong() && stop <= entry {
		return sig, reject(CodeStopWrongSide, "short stop %.4f must be above entry %.4f", stop, entry)
	}
	stopDistPct := abs(entry-stop) / entry
	if stopDistPct < v.tunables.MinStopDistancePct {
		return sig, reject(CodeStopTooTight, "stop %.2f%% from entry, need %.2f%%",
			stopDistPct*100, v.tunables.MinStopDistancePct*100)
	}

	v.correctTarget(&sig)

	if sig.Confidence < 0 || sig.Confidence > 1 {
		return sig, reject(CodeInvalidConfidence, "%v", sig.Confidence)
	}
	if sig.Confidence < v.minConfidence {
		return sig, reject(CodeConfidenceTooLow, "%.0f%% below minimum %.0f%%",
			sig.Confidence*100, v.minConfidence*100)
	}

	if sig.IsLong() {
		sig.Side = "buy"
	} else {
		sig.Side = "sell"
	}
	sig.Pair = symbol
	return sig, nil
}

func (v *Validator) verifySignature(raw *Signal) bool {
	payload := fmt.Sprintf("%s|%s|%d", raw.Pair, raw.Side, raw.Timestamp)
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(raw.Signature))
}

// isDuplicate refuses a repeat of the last signal for the pair: same side
// within the window at effectively the same entry. Signals the server marks
// as continuing are exempt so an ongoing setup can refresh itself.
func (v *Validator) isDuplicate(sig *Signal, now time.Time) bool {
	symbol := sig.Symbol()
	side := strings.ToLower(sig.Side)

	v.mu.Lock()
	defer v.mu.Unlock()

	if !sig.Continuing {
		if prev, ok := v.last[symbol]; ok {
			sameEntry := abs(sig.EntryPrice-prev.entry) < 0.01
			if prev.side == side && now.Sub(prev.at) < v.dupWindow && sameEntry {
				return true
			}
		}
	}

	v.last[symbol] = lastSeen{side: side, entry: sig.EntryPrice, at: now}
	return false
}

func (v *Validator) correctStop(sig *Signal) {
	entry := sig.EntryPrice
	tolerance := entry * stopTolerancePct
	if sig.IsLong() && sig.StopLoss >= entry-tolerance {
		corrected := entry * (1 - correctedStopPct)
		v.logger.Warn("auto-correcting long stop loss",
			zap.String("symbol", sig.Symbol()),
			zap.Float64("from", sig.StopLoss),
			zap.Float64("to", corrected))
		sig.StopLoss = corrected
	}
	if !sig.IsLong() && sig.StopLoss <= entry+tolerance {
		corrected := entry * (1 + correctedStopPct)
		v.logger.Warn("auto-correcting short stop loss",
			zap.String("symbol", sig.Symbol()),
			zap.Float64("from", sig.StopLoss),
			zap.Float64("to", corrected))
		sig.StopLoss = corrected
	}
}

func (v *Validator) correctTarget(sig *Signal) {
	entry := sig.EntryPrice
	tp := sig.Target()

	if tp == 0 {
		// Default target at 2x the stop distance.
		dist := abs(entry - sig.StopLoss)
		if sig.IsLong() {
			sig.TakeProfit = entry + 2*dist
		} else {
			sig.TakeProfit = entry - 2*dist
		}
		sig.TargetPrice = sig.TakeProfit
		return
	}

	var corrected float64
	if sig.IsLong() && tp <= entry*(1+minTargetGapPct) {
		slDist := entry - sig.StopLoss
		corrected = entry + max(2*slDist, entry*correctedTargetPct)
	}
	if !sig.IsLong() && tp >= entry*(1-minTargetGapPct) {
		slDist := sig.StopLoss - entry
		corrected = entry - max(2*slDist, entry*correctedTargetPct)
	}
	if corrected > 0 {
		v.logger.Warn("auto-correcting take profit",
			zap.String("symbol", sig.Symbol()),
			zap.Float64("from", tp),
			zap.Float64("to", corrected))
		sig.TakeProfit = corrected
		sig.TargetPrice = corrected
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
