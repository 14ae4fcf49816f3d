// Package poller owns the timer-driven fetch cycle against the exchange and
// the single current AccountSnapshot readers consume.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/bywatch/internal/bybit"
	"github.com/vadiminshakov/bywatch/internal/domain"
	"github.com/vadiminshakov/bywatch/internal/events"
	"github.com/vadiminshakov/bywatch/internal/services/reconciler"
)

// State is the coordinator's lifecycle state.
type State int32

const (
	// StateIdle means no fetch has run yet.
	StateIdle State = iota
	// StateFetching means one fetch cycle is in flight.
	StateFetching
	// StateReady means the last cycle succeeded and the snapshot is fresh.
	StateReady
	// StateDegraded means the last cycle failed; the previous snapshot is
	// still served, marked stale.
	StateDegraded
	// StateFailed means consecutive failures reached the threshold; the
	// integration is unavailable until the next successful cycle.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Polling interval bounds; values outside are a configuration error.
const (
	MinInterval = 30 * time.Second
	MaxInterval = 3600 * time.Second

	// DefaultFailureThreshold is the number of consecutive failed cycles
	// after which the coordinator reports itself unavailable.
	DefaultFailureThreshold = 3

	eventBuffer = 16
)

// api is the slice of the exchange client the coordinator needs.
type api interface {
	FetchBalance(ctx context.Context) (domain.BalanceData, error)
	FetchPositions(ctx context.Context) ([]domain.Position, error)
}

// Config holds coordinator construction parameters.
type Config struct {
	// Interval between fetch cycles, bounded by [MinInterval, MaxInterval].
	Interval time.Duration
	// FailureThreshold overrides DefaultFailureThreshold when positive.
	FailureThreshold int
}

// Coordinator polls balance and positions on a timer, publishes immutable
// snapshots atomically and emits a position ChangeSet after every successful
// reconciliation. Exactly one fetch cycle is in flight at any time; ticks
// arriving during an active cycle are dropped, never queued.
type Coordinator struct {
	client           api
	interval         time.Duration
	failureThreshold int
	logger           *zap.Logger
	now              func() time.Time

	snapshot atomic.Pointer[domain.AccountSnapshot]
	stale    atomic.Bool
	state    atomic.Int32
	inFlight atomic.Bool
	failures atomic.Int32

	changes      *events.Broadcaster[domain.ChangeSet]
	availability *events.Broadcaster[bool]

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates the configuration and constructs a stopped coordinator.
// An interval outside [MinInterval, MaxInterval] is rejected with a
// ValidationError.
func New(client api, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if cfg.Interval < MinInterval || cfg.Interval > MaxInterval {
		return nil, domain.NewValidationError("update interval",
			"%s is outside the allowed range [%s, %s]", cfg.Interval, MinInterval, MaxInterval)
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		client:           client,
		interval:         cfg.Interval,
		failureThreshold: threshold,
		logger:           logger,
		now:              time.Now,
		changes:          events.NewBroadcaster[domain.ChangeSet](eventBuffer),
		availability:     events.NewBroadcaster[bool](eventBuffer),
	}
	c.state.Store(int32(StateIdle))
	return c, nil
}

// Start launches the polling loop. The first cycle runs immediately so
// consumers have data without waiting a full interval.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.logger.Info("polling started", zap.Duration("interval", c.interval))
		c.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("polling stopped")
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// Stop cancels the polling loop and waits for any in-flight cycle. After it
// returns no further ticks fire and no further snapshots are published; the
// last snapshot stays readable.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.changes.Close()
		c.availability.Close()
	})
}

// Snapshot returns the current snapshot (nil before the first successful
// cycle) and whether it is stale, i.e. the most recent cycle failed.
func (c *Coordinator) Snapshot() (*domain.AccountSnapshot, bool) {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	return snap, c.stale.Load()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Available reports whether the coordinator is below the failure threshold.
func (c *Coordinator) Available() bool {
	return c.State() != StateFailed
}

// ConsecutiveFailures returns the current failed-cycle streak.
func (c *Coordinator) ConsecutiveFailures() int {
	return int(c.failures.Load())
}

// SubscribeChanges delivers the ChangeSet emitted after each successful
// reconciliation. Release with UnsubscribeChanges.
func (c *Coordinator) SubscribeChanges() chan domain.ChangeSet {
	return c.changes.Subscribe()
}

// UnsubscribeChanges releases a change subscription.
func (c *Coordinator) UnsubscribeChanges(ch chan domain.ChangeSet) {
	c.changes.Unsubscribe(ch)
}

// SubscribeAvailability delivers availability flips: false when the failure
// threshold is reached, true when a later cycle succeeds.
func (c *Coordinator) SubscribeAvailability() chan bool {
	return c.availability.Subscribe()
}

// UnsubscribeAvailability releases an availability subscription.
func (c *Coordinator) UnsubscribeAvailability(ch chan bool) {
	c.availability.Unsubscribe(ch)
}

// tick starts one fetch cycle unless one is already in flight. The guard is
// an atomic CAS, not a lock: a tick during an active cycle is dropped so load
// can never accumulate behind a slow network.
func (c *Coordinator) tick(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Debug("fetch cycle still in flight, tick skipped")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inFlight.Store(false)
		c.runCycle(ctx)
	}()
}

// runCycle performs one balance+positions fetch and publishes the result.
func (c *Coordinator) runCycle(ctx context.Context) {
	logger := c.logger.With(zap.String("cycle_id", uuid.NewString()))
	prior := State(c.state.Swap(int32(StateFetching)))

	var (
		balance   domain.BalanceData
		positions []domain.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = c.client.FetchBalance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		positions, err = c.client.FetchPositions(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		// a stop-cancelled cycle is discarded, never counted as a failure
		if ctx.Err() != nil {
			logger.Debug("stop requested mid-cycle, error discarded")
			c.state.Store(int32(prior))
			return
		}
		c.onCycleFailure(logger, prior, err)
		return
	}
	if ctx.Err() != nil {
		logger.Debug("stop requested, fetch result discarded")
		c.state.Store(int32(prior))
		return
	}

	snapshot := domain.NewAccountSnapshot(balance, positions, c.now())
	previous := c.snapshot.Load()
	c.snapshot.Store(snapshot)
	c.stale.Store(false)
	c.failures.Store(0)

	c.state.Store(int32(StateReady))
	if prior == StateFailed {
		logger.Info("recovered after failures, available again")
		c.availability.Publish(true)
	}

	change := reconciler.Diff(previous, snapshot)
	c.changes.Publish(change)

	logger.Info("snapshot published",
		zap.Int("positions", len(snapshot.Positions)),
		zap.String("equity", snapshot.Equity.String()),
		zap.Strings("created", change.Created),
		zap.Strings("removed", change.Removed))
}

func (c *Coordinator) onCycleFailure(logger *zap.Logger, prior State, err error) {
	// the last good snapshot stays published, flagged stale
	c.stale.Store(true)
	failures := int(c.failures.Add(1))

	if bybit.IsAuthError(err) {
		logger.Error("authentication rejected, check API credentials", zap.Error(err))
	} else {
		logger.Warn("fetch cycle failed", zap.Error(err), zap.Int("consecutive_failures", failures))
	}

	if failures >= c.failureThreshold {
		c.state.Store(int32(StateFailed))
		if prior != StateFailed {
			logger.Error("failure threshold reached, marking unavailable",
				zap.Int("threshold", c.failureThreshold))
			c.availability.Publish(false)
		}
		return
	}
	c.state.Store(int32(StateDegraded))
}
