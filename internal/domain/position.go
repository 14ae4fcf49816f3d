package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an open position.
type Side string

const (
	// SideBuy is a long position (buy to open).
	SideBuy Side = "Buy"
	// SideSell is a short position (sell to open).
	SideSell Side = "Sell"
)

// PositionStatus reflects the exchange-side lifecycle state of a position.
type PositionStatus string

const (
	// StatusNormal is a regular open position.
	StatusNormal PositionStatus = "Normal"
	// StatusLiquidated means the position is in the liquidation process.
	StatusLiquidated PositionStatus = "Liquidated"
	// StatusAutoDeleveraged means the position is being auto-deleveraged.
	StatusAutoDeleveraged PositionStatus = "AutoDeleveraged"
)

// Position is one open linear-contract position as reported by the exchange.
// Values are a point-in-time copy; a Position belongs to exactly one
// AccountSnapshot and is never mutated after the snapshot is published.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	Leverage         decimal.Decimal `json:"leverage"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	PositionValue    decimal.Decimal `json:"position_value"`
	UnrealisedPnl    decimal.Decimal `json:"unrealised_pnl"`
	RealisedPnl      decimal.Decimal `json:"realised_pnl"`
	CumRealisedPnl   decimal.Decimal `json:"cum_realised_pnl"`

	// TakeProfit and StopLoss are unset when the exchange reports an empty
	// string for them.
	TakeProfit decimal.NullDecimal `json:"take_profit,omitempty"`
	StopLoss   decimal.NullDecimal `json:"stop_loss,omitempty"`

	Status    PositionStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsOpen reports whether the position has non-zero size. Bybit keeps returning
// zero-size rows for a while after a position is closed.
func (p Position) IsOpen() bool {
	return !p.Size.IsZero()
}
