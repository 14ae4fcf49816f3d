package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceData is the account-level view extracted from the wallet-balance
// endpoint for the settlement coin.
type BalanceData struct {
	Equity           decimal.Decimal `json:"equity"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	WalletBalance    decimal.Decimal `json:"wallet_balance"`
}

// AccountSnapshot is the complete account state observed during one fetch
// cycle. It is immutable once published: readers share it by reference and a
// newer snapshot replaces the old one atomically.
type AccountSnapshot struct {
	Equity             decimal.Decimal     `json:"equity"`
	AvailableBalance   decimal.Decimal     `json:"available_balance"`
	TotalUnrealisedPnl decimal.Decimal     `json:"total_unrealised_pnl"`
	Positions          map[string]Position `json:"positions"`
	FetchedAt          time.Time           `json:"fetched_at"`
}

// NewAccountSnapshot builds a snapshot from one cycle's fetch results.
// Zero-size positions are dropped and the total unrealised PnL is summed over
// the remaining ones, so the account view stays consistent with the position
// set it carries.
func NewAccountSnapshot(balance BalanceData, positions []Position, fetchedAt time.Time) *AccountSnapshot {
	open := make(map[string]Position, len(positions))
	total := decimal.Zero
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		open[p.Symbol] = p
		total = total.Add(p.UnrealisedPnl)
	}

	return &AccountSnapshot{
		Equity:             balance.Equity,
		AvailableBalance:   balance.AvailableBalance,
		TotalUnrealisedPnl: total,
		Positions:          open,
		FetchedAt:          fetchedAt,
	}
}

// Symbols returns the position symbols present in the snapshot, unordered.
func (s *AccountSnapshot) Symbols() []string {
	if s == nil {
		return nil
	}
	symbols := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		symbols = append(symbols, sym)
	}
	return symbols
}
