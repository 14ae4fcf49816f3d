// Package metrics exports the account view as Prometheus series. It is a
// read-only consumer of the poller: per-symbol series follow the position
// lifecycle reported by the reconciler, so a closed position disappears from
// the scrape output instead of freezing at its last value.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bywatch/internal/domain"
)

const (
	namespace = "bywatch"

	// healthRefreshInterval bounds how long the stale and failure-streak
	// gauges can lag behind the coordinator. Failed cycles below the
	// availability threshold emit no event, so these are re-read on a timer.
	healthRefreshInterval = 5 * time.Second
)

// Source is the slice of the polling coordinator the exporter consumes.
type Source interface {
	Snapshot() (*domain.AccountSnapshot, bool)
	Available() bool
	ConsecutiveFailures() int
	SubscribeChanges() chan domain.ChangeSet
	UnsubscribeChanges(chan domain.ChangeSet)
	SubscribeAvailability() chan bool
	UnsubscribeAvailability(chan bool)
}

// Exporter maintains Prometheus gauges mirroring the current snapshot.
type Exporter struct {
	source Source
	logger *zap.Logger

	equity           prometheus.Gauge
	availableBalance prometheus.Gauge
	totalPnl         prometheus.Gauge
	stale            prometheus.Gauge
	up               prometheus.Gauge
	failures         prometheus.Gauge
	snapshots        prometheus.Counter

	size      *prometheus.GaugeVec
	leverage  *prometheus.GaugeVec
	avgPrice  *prometheus.GaugeVec
	markPrice *prometheus.GaugeVec
	liqPrice  *prometheus.GaugeVec
	value     *prometheus.GaugeVec
	pnl       *prometheus.GaugeVec
	tp        *prometheus.GaugeVec
	sl        *prometheus.GaugeVec
}

// NewExporter registers all series on reg and returns the exporter.
func NewExporter(reg prometheus.Registerer, source Source, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	accountGauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "account", Name: name, Help: help,
		})
	}
	positionGauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "position", Name: name, Help: help,
		}, []string{"symbol"})
	}

	return &Exporter{
		source: source,
		logger: logger,

		equity:           accountGauge("equity_usdt", "Total account equity in USDT"),
		availableBalance: accountGauge("available_balance_usdt", "Balance available to withdraw in USDT"),
		totalPnl:         accountGauge("unrealised_pnl_usdt", "Unrealised PnL summed over open positions"),
		stale:            accountGauge("snapshot_stale", "1 when the served snapshot is older than the last poll attempt"),
		up:               accountGauge("up", "1 while the poller is below its failure threshold"),
		failures:         accountGauge("consecutive_failures", "Current failed poll cycle streak"),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "account",
			Name: "snapshots_total", Help: "Snapshots published since start",
		}),

		size:      positionGauge("size", "Position size in contracts"),
		leverage:  positionGauge("leverage", "Position leverage"),
		avgPrice:  positionGauge("avg_price_usdt", "Average entry price"),
		markPrice: positionGauge("mark_price_usdt", "Mark price"),
		liqPrice:  positionGauge("liquidation_price_usdt", "Liquidation price"),
		value:     positionGauge("value_usdt", "Position notional value"),
		pnl:       positionGauge("unrealised_pnl_usdt", "Position unrealised PnL"),
		tp:        positionGauge("take_profit_usdt", "Take-profit level, absent when unset"),
		sl:        positionGauge("stop_loss_usdt", "Stop-loss level, absent when unset"),
	}
}

// Run consumes change sets and availability flips until ctx is cancelled,
// re-reading the health gauges on a timer in between.
func (e *Exporter) Run(ctx context.Context) {
	e.up.Set(1)

	changes := e.source.SubscribeChanges()
	defer e.source.UnsubscribeChanges(changes)
	availability := e.source.SubscribeAvailability()
	defer e.source.UnsubscribeAvailability(availability)

	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshHealth()
		case change, ok := <-changes:
			if !ok {
				return
			}
			e.applyChange(change)
		case available, ok := <-availability:
			if !ok {
				return
			}
			if available {
				e.up.Set(1)
			} else {
				e.up.Set(0)
				e.stale.Set(1)
			}
			e.failures.Set(float64(e.source.ConsecutiveFailures()))
		}
	}
}

// refreshHealth syncs the gauges that can drift without an event: a failed
// cycle below the availability threshold marks the snapshot stale and bumps
// the failure streak without publishing anything.
func (e *Exporter) refreshHealth() {
	_, stale := e.source.Snapshot()
	if stale {
		e.stale.Set(1)
	} else {
		e.stale.Set(0)
	}
	e.failures.Set(float64(e.source.ConsecutiveFailures()))
	if e.source.Available() {
		e.up.Set(1)
	} else {
		e.up.Set(0)
	}
}

// applyChange refreshes account gauges from the current snapshot and walks
// the change set. Removals are safe even when the series never existed.
func (e *Exporter) applyChange(change domain.ChangeSet) {
	snapshot, stale := e.source.Snapshot()
	if snapshot == nil {
		return
	}

	e.snapshots.Inc()
	e.equity.Set(snapshot.Equity.InexactFloat64())
	e.availableBalance.Set(snapshot.AvailableBalance.InexactFloat64())
	e.totalPnl.Set(snapshot.TotalUnrealisedPnl.InexactFloat64())
	e.failures.Set(float64(e.source.ConsecutiveFailures()))
	if stale {
		e.stale.Set(1)
	} else {
		e.stale.Set(0)
	}

	for _, symbol := range change.Removed {
		e.removeSymbol(symbol)
	}
	for _, symbol := range append(change.Created, change.Updated...) {
		position, ok := snapshot.Positions[symbol]
		if !ok {
			e.logger.Warn("change set references a symbol missing from the snapshot",
				zap.String("symbol", symbol))
			continue
		}
		e.setPosition(position)
	}
}

func (e *Exporter) setPosition(p domain.Position) {
	labels := prometheus.Labels{"symbol": p.Symbol}
	e.size.With(labels).Set(p.Size.InexactFloat64())
	e.leverage.With(labels).Set(p.Leverage.InexactFloat64())
	e.avgPrice.With(labels).Set(p.AvgPrice.InexactFloat64())
	e.markPrice.With(labels).Set(p.MarkPrice.InexactFloat64())
	e.liqPrice.With(labels).Set(p.LiquidationPrice.InexactFloat64())
	e.value.With(labels).Set(p.PositionValue.InexactFloat64())
	e.pnl.With(labels).Set(p.UnrealisedPnl.InexactFloat64())

	if p.TakeProfit.Valid {
		e.tp.With(labels).Set(p.TakeProfit.Decimal.InexactFloat64())
	} else {
		e.tp.Delete(labels)
	}
	if p.StopLoss.Valid {
		e.sl.With(labels).Set(p.StopLoss.Decimal.InexactFloat64())
	} else {
		e.sl.Delete(labels)
	}
}

func (e *Exporter) removeSymbol(symbol string) {
	labels := prometheus.Labels{"symbol": symbol}
	for _, vec := range []*prometheus.GaugeVec{
		e.size, e.leverage, e.avgPrice, e.markPrice, e.liqPrice, e.value, e.pnl, e.tp, e.sl,
	} {
		vec.Delete(labels)
	}
}
