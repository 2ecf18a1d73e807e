package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tunables are the recalibratable trading parameters. They live in a YAML
// file next to the binary so they can be retuned without a rebuild; every
// field has a safe default when the file or the field is absent.
type Tunables struct {
	// Sizing
	RegimeMultipliers map[string]float64 `yaml:"regime_multipliers"`
	MinTradeSpot      float64            `yaml:"min_trade_spot"`
	MinTradeFutures   float64            `yaml:"min_trade_futures"`
	SmallAccountUSDT  float64            `yaml:"small_account_usdt"`
	SmallAccountFloor float64            `yaml:"small_account_floor"`

	// Stop-loss / take-profit defaults and bounds
	DefaultStopLossPct   float64 `yaml:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `yaml:"default_take_profit_pct"`
	MinStopDistancePct   float64 `yaml:"min_stop_distance_pct"`
	MaxStopDistancePct   float64 `yaml:"max_stop_distance_pct"`

	// Trailing stop
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
	TrailingDistancePct   float64 `yaml:"trailing_distance_pct"`
	BreakevenTriggerPct   float64 `yaml:"breakeven_trigger_pct"`
	BreakevenBufferPct    float64 `yaml:"breakeven_buffer_pct"`

	// Circuit breakers
	DailyLossLimitPct   float64 `yaml:"daily_loss_limit_pct"`
	WeeklyLossLimitPct  float64 `yaml:"weekly_loss_limit_pct"`
	MaxConsecutiveLoss  int     `yaml:"max_consecutive_losses"`
	MinWinRate          float64 `yaml:"min_win_rate"`
	WinRateMinTrades    int     `yaml:"win_rate_min_trades"`
	WinRateWindowTrades int     `yaml:"win_rate_window_trades"`

	// Execution guards
	MaxSpreadPct        float64 `yaml:"max_spread_pct"`
	MaxPriceMismatchPct float64 `yaml:"max_price_mismatch_pct"`
	StopoutCooldownSec  int     `yaml:"stopout_cooldown_sec"`
	MinHoldSec          int     `yaml:"min_hold_sec"`

	// Markets
	SupportedPairs []string           `yaml:"supported_pairs"`
	FeeRates       map[string]float64 `yaml:"fee_rates"` // exchange name -> taker fee
}

// DefaultTunables returns the built-in parameter set.
func DefaultTunables() *Tunables {
	return &Tunables{
		RegimeMultipliers: map[string]float64{
			"low_volatility":       0.8,
			"sideways":             0.8,
			"ranging_extreme":      0.7,
			"ranging_normal":       0.85,
			"trending_up_strong":   1.2,
			"trending_down_strong": 1.2,
			"high_volatility":      0.7,
		},
		MinTradeSpot:      12.0,
		MinTradeFutures:   6.0,
		SmallAccountUSDT:  100.0,
		SmallAccountFloor: 0.10,

		DefaultStopLossPct:   0.015,
		DefaultTakeProfitPct: 0.03,
		MinStopDistancePct:   0.003,
		MaxStopDistancePct:   0.10,

		TrailingActivationPct: 0.035,
		TrailingDistancePct:   0.008,
		BreakevenTriggerPct:   0.030,
		BreakevenBufferPct:    0.0015,

		DailyLossLimitPct:   0.10,
		WeeklyLossLimitPct:  0.30,
		MaxConsecutiveLoss:  5,
		MinWinRate:          0.30,
		WinRateMinTrades:    10,
		WinRateWindowTrades: 20,

		MaxSpreadPct:        0.02,
		MaxPriceMismatchPct: 0.015,
		StopoutCooldownSec:  300,
		MinHoldSec:          180,

		SupportedPairs: []string{
			"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT",
			"XRP/USDT", "DOGE/USDT", "ADA/USDT", "LINK/USDT",
		},
		FeeRates: map[string]float64{
			"binance": 0.001,
			"bybit":   0.001,
			"okx":     0.0008,
		},
	}
}

// LoadTunables reads the YAML file at path over the defaults. A missing file
// is not an error; a malformed one is.
func LoadTunables(path string) (*Tunables, error) {
	t := DefaultTunables()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read tunables: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tunables %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("tunables %s: %w", path, err)
	}
	return t, nil
}

func (t *Tunables) validate() error {
	if t.MinStopDistancePct <= 0 || t.MinStopDistancePct >= t.MaxStopDistancePct {
		return fmt.Errorf("stop distance bounds invalid: min=%v max=%v", t.MinStopDistancePct, t.MaxStopDistancePct)
	}
	if t.DailyLossLimitPct <= 0 || t.WeeklyLossLimitPct <= t.DailyLossLimitPct {
		return fmt.Errorf("loss limits invalid: daily=%v weekly=%v", t.DailyLossLimitPct, t.WeeklyLossLimitPct)
	}
	if t.TrailingDistancePct <= 0 || t.TrailingActivationPct <= t.TrailingDistancePct {
		return fmt.Errorf("trailing config invalid: activation=%v distance=%v", t.TrailingActivationPct, t.TrailingDistancePct)
	}
	for regime, m := range t.RegimeMultipliers {
		if m <= 0 || m > 2 {
			return fmt.Errorf("regime multiplier out of range: %s=%v", regime, m)
		}
	}
	return nil
}

// RegimeMultiplier returns the sizing multiplier for a market regime,
// defaulting to 1.0 for unknown regimes. Regime names arrive upper-cased
// from the feed; the table is keyed lower-case.
func (t *Tunables) RegimeMultiplier(regime string) float64 {
	if m, ok := t.RegimeMultipliers[strings.ToLower(regime)]; ok {
		return m
	}
	return 1.0
}

// FeeRate returns the taker fee for an exchange, defaulting to 10 bps.
func (t *Tunables) FeeRate(exchange string) float64 {
	if f, ok := t.FeeRates[exchange]; ok {
		return f
	}
	return 0.001
}

// PairSupported reports whether a symbol is on the tradeable whitelist. An
// empty whitelist allows everything.
func (t *Tunables) PairSupported(symbol string) bool {
	if len(t.SupportedPairs) == 0 {
		return true
	}
	for _, p := range t.SupportedPairs {
		if p == symbol {
			return true
		}
	}
	return false
}
