package sizing

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"trading-client/pkg/config"
)

func newTestSizer() *Sizer {
	return NewSizer(0.01, 0.25, config.DefaultTunables(), zap.NewNop())
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSizeRiskBased(t *testing.T) {
	s := newTestSizer()

	// $1000 balance, 2% stop, full confidence: risk $10, size $500,
	// capped at 25% of balance = $250.
	res, err := s.Size(1000, 50000, 49000, 1.0, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(res.ValueUSDT, 250) {
		t.Errorf("expected size capped at 250, got %v", res.ValueUSDT)
	}
	if !approxEqual(res.RiskAmount, 10) {
		t.Errorf("expected risk amount 10, got %v", res.RiskAmount)
	}
	if !approxEqual(res.Quantity, 250.0/50000) {
		t.Errorf("expected quantity %v, got %v", 250.0/50000, res.Quantity)
	}
	if !approxEqual(res.PositionPct, 0.25) {
		t.Errorf("expected position pct 0.25, got %v", res.PositionPct)
	}
}

func TestSizeWideStopUncapped(t *testing.T) {
	s := newTestSizer()

	// 10% stop distance: risk $10 -> size $100, inside the 25% cap.
	res, err := s.Size(1000, 50000, 45000, 1.0, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(res.ValueUSDT, 100) {
		t.Errorf("expected size 100, got %v", res.ValueUSDT)
	}
	if !approxEqual(res.StopDistancePct, 0.10) {
		t.Errorf("expected stop distance 0.10, got %v", res.StopDistancePct)
	}
}

func TestSizeConfidenceScalesRisk(t *testing.T) {
	s := newTestSizer()

	full, err := s.Size(1000, 50000, 45000, 1.0, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	half, err := s.Size(1000, 50000, 45000, 0.6, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(half.ValueUSDT, full.ValueUSDT*0.6) {
		t.Errorf("expected 0.6x size, got %v vs %v", half.ValueUSDT, full.ValueUSDT)
	}

	// Confidence below the floor is lifted to 0.5.
	floored, err := s.Size(1000, 50000, 45000, 0.1, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(floored.ValueUSDT, full.ValueUSDT*0.5) {
		t.Errorf("expected confidence floored at 0.5, got %v", floored.ValueUSDT)
	}
}

func TestSizeRegimeMultipliers(t *testing.T) {
	s := newTestSizer()

	cases := []struct {
		regime string
		mult   float64
	}{
		{"TRENDING_UP_STRONG", 1.2},
		{"RANGING_EXTREME", 0.7},
		{"HIGH_VOLATILITY", 0.7},
		{"RANGING_NORMAL", 0.85},
		{"UNKNOWN", 1.0},
		{"", 1.0},
	}

	base, err := s.Size(1000, 50000, 45000, 1.0, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	for _, tc := range cases {
		res, err := s.Size(1000, 50000, 45000, 1.0, tc.regime, 12)
		if err != nil {
			t.Fatalf("Size(%s): %v", tc.regime, err)
		}
		if !approxEqual(res.ValueUSDT, base.ValueUSDT*tc.mult) {
			t.Errorf("regime %s: expected %vx size, got %v", tc.regime, tc.mult, res.ValueUSDT)
		}
	}
}

func TestSizeSmallAccountFloor(t *testing.T) {
	s := newTestSizer()

	// $50 account, tight risk math would produce a dust position; the
	// 10% floor lifts it to $5... which is then below the $12 spot
	// minimum and the balance has enough headroom to snap up to it.
	res, err := s.Size(50, 50000, 45000, 0.5, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(res.ValueUSDT, 12) {
		t.Errorf("expected snap to minimum 12, got %v", res.ValueUSDT)
	}
}

func TestSizeSmallAccountFloorTunable(t *testing.T) {
	tun := config.DefaultTunables()
	tun.SmallAccountFloor = 0.30
	s := NewSizer(0.01, 0.5, tun, zap.NewNop())

	// $50 account: risk math gives $2.50, the 30% floor lifts it to $15,
	// which clears the $12 spot minimum on its own.
	res, err := s.Size(50, 50000, 45000, 0.5, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(res.ValueUSDT, 15) {
		t.Errorf("expected floor at 30%% of balance (15), got %v", res.ValueUSDT)
	}
}

func TestSizeFuturesMinimum(t *testing.T) {
	s := newTestSizer()

	// Same dust position against the $6 futures minimum.
	res, err := s.Size(50, 50000, 45000, 0.5, "", 6)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !approxEqual(res.ValueUSDT, 6) {
		t.Errorf("expected snap to futures minimum 6, got %v", res.ValueUSDT)
	}
}

func TestSizeRejections(t *testing.T) {
	s := newTestSizer()

	if _, err := s.Size(0, 50000, 49000, 1.0, "", 12); !errors.Is(err, ErrNoBalance) {
		t.Errorf("expected ErrNoBalance, got %v", err)
	}
	if _, err := s.Size(10, 50000, 49000, 1.0, "", 12); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("expected ErrBelowMinimum for balance under minimum, got %v", err)
	}
	// $13 balance: size computes tiny, snap needs balance >= 14.40.
	if _, err := s.Size(13, 50000, 49000, 0.5, "", 12); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("expected ErrBelowMinimum without snap headroom, got %v", err)
	}
}

func TestNewSizerClampsRisk(t *testing.T) {
	s := NewSizer(0.05, 0.25, config.DefaultTunables(), zap.NewNop())
	res, err := s.Size(1000, 50000, 45000, 1.0, "", 12)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	// Risk clamps to 2%: $20 / 0.10 = $200.
	if !approxEqual(res.ValueUSDT, 200) {
		t.Errorf("expected risk clamped to 2%% (size 200), got %v", res.ValueUSDT)
	}
}
