// Package registry persists tokens, per-token configuration, flywheel state,
// and claim/trade history in sqlite.
package registry

import "time"

// Algorithm names accepted in token config.
const (
	AlgoSimple    = "simple"
	AlgoTurbo     = "turbo"
	AlgoReactive  = "reactive"
	AlgoRebalance = "rebalance"
)

// Flywheel phases.
const (
	PhaseBuying  = "buying"
	PhaseSelling = "selling"
)

// Trade kinds and statuses.
const (
	TradeBuy      = "buy"
	TradeSell     = "sell"
	TradeTransfer = "transfer"

	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"

	SourceFlywheel = "flywheel"
	SourceReactive = "reactive"
	SourceManual   = "manual"
)

// Token is one registered token. Eligible for engine activity iff
// Active && !Suspended.
type Token struct {
	ID        string
	Mint      string
	Symbol    string
	Decimals  int
	DevKeyID  string
	OpsKeyID  string
	OwnerID   string
	CreatedAt time.Time
	Active    bool
	Suspended bool
	Graduated bool // cached venue flag
	VenueHint string
}

// Eligible reports whether the engine may act on the token at all.
func (t *Token) Eligible() bool {
	return t.Active && !t.Suspended
}

// TurboConfig tunes the high-frequency cycle mode.
type TurboConfig struct {
	IntervalSec       int
	CycleBuys         int
	CycleSells        int
	InterTokenDelayMs int
	RateLimitPerMin   int
	ConfirmTimeoutSec int
	BatchStateUpdates bool
}

// ReactiveConfig tunes the swap-mirroring engine for one token.
type ReactiveConfig struct {
	Enabled            bool
	MinTriggerSol      float64
	ScalePercentPerSol float64
	MaxResponsePercent float64
	CooldownMs         int
}

// TokenConfig is per-token engine configuration. Zero fields take the
// documented defaults via ApplyDefaults.
type TokenConfig struct {
	TokenID        string
	FlywheelActive bool
	AutoClaim      bool
	Algorithm      string
	MinBuySol      float64
	MaxBuySol      float64
	MaxSellTokens  float64
	TradeFraction  float64 // share of the dominant balance per trade
	SlippageBps    int
	TradingRoute   string
	Turbo          TurboConfig
	Reactive       ReactiveConfig
	DailyLimitSol  float64
	MaxPositionSol float64
}

// ApplyDefaults fills missing fields with the documented defaults:
// simple 5/5 at 60s, turbo 8/8 at 15s, reactive 10%/SOL capped at 80%.
func (c *TokenConfig) ApplyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgoSimple
	}
	if c.TradingRoute == "" {
		c.TradingRoute = "auto"
	}
	if c.MinBuySol <= 0 {
		c.MinBuySol = 0.01
	}
	if c.MaxBuySol <= 0 {
		c.MaxBuySol = 0.5
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 500
	}
	if c.TradeFraction <= 0 {
		if c.Algorithm == AlgoTurbo {
			c.TradeFraction = 0.05
		} else {
			c.TradeFraction = 0.10
		}
	}
	if c.Turbo.IntervalSec <= 0 {
		if c.Algorithm == AlgoTurbo {
			c.Turbo.IntervalSec = 15
		} else {
			c.Turbo.IntervalSec = 60
		}
	}
	if c.Turbo.CycleBuys <= 0 {
		if c.Algorithm == AlgoTurbo {
			c.Turbo.CycleBuys = 8
		} else {
			c.Turbo.CycleBuys = 5
		}
	}
	if c.Turbo.CycleSells <= 0 {
		if c.Algorithm == AlgoTurbo {
			c.Turbo.CycleSells = 8
		} else {
			c.Turbo.CycleSells = 5
		}
	}
	if c.Turbo.InterTokenDelayMs <= 0 {
		c.Turbo.InterTokenDelayMs = 200
	}
	if c.Turbo.RateLimitPerMin <= 0 {
		c.Turbo.RateLimitPerMin = 60
	}
	if c.Turbo.ConfirmTimeoutSec <= 0 {
		c.Turbo.ConfirmTimeoutSec = 45
	}
	if c.Reactive.ScalePercentPerSol <= 0 {
		c.Reactive.ScalePercentPerSol = 10
	}
	if c.Reactive.MaxResponsePercent <= 0 {
		c.Reactive.MaxResponsePercent = 80
	}
	if c.Reactive.CooldownMs <= 0 {
		c.Reactive.CooldownMs = 5000
	}
	if c.Reactive.MinTriggerSol <= 0 {
		c.Reactive.MinTriggerSol = 0.5
	}
}

// FlywheelState is the per-token cycle position. Created lazily on first
// scheduler observation, never destroyed while the token exists.
type FlywheelState struct {
	TokenID             string
	Phase               string
	BuyCount            int
	SellCount           int
	LastTradeAt         time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
	BreakerReason       string
	BreakerOpenedAt     time.Time
}

// BreakerOpen reports whether the circuit breaker blocks this token.
func (s *FlywheelState) BreakerOpen() bool {
	return s.BreakerReason != ""
}

// ClaimRecord is one completed fee claim with its platform split.
type ClaimRecord struct {
	ID          int64
	TokenID     string
	GrossSol    float64
	PlatformFee float64
	UserNet     float64
	Signature   string
	At          time.Time
}

// TradeRecord is one engine-issued swap or transfer.
type TradeRecord struct {
	ID          int64
	TokenID     string
	Kind        string
	SolAmount   float64
	TokenAmount float64
	Signature   string
	Status      string
	Source      string
	At          time.Time
}

// TokenWithConfig pairs a token with its coerced config, as read paths return
// it.
type TokenWithConfig struct {
	Token  Token
	Config TokenConfig
}
