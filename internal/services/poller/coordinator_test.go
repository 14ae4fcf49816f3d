package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bywatch/internal/bybit"
	"github.com/vadiminshakov/bywatch/internal/domain"
)

type fakeAPI struct {
	balance   domain.BalanceData
	positions []domain.Position
	err       error

	balanceCalls  atomic.Int32
	positionCalls atomic.Int32

	// when set, FetchBalance blocks until the channel is closed, deliberately
	// ignoring ctx so tests can model a call that outlives cancellation
	gate chan struct{}

	// when set, FetchBalance blocks on ctx and returns its error, modeling a
	// fetch interrupted by Stop
	blockUntilCancelled atomic.Bool
}

func (f *fakeAPI) FetchBalance(ctx context.Context) (domain.BalanceData, error) {
	f.balanceCalls.Add(1)
	if f.blockUntilCancelled.Load() {
		<-ctx.Done()
		return domain.BalanceData{}, ctx.Err()
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return domain.BalanceData{}, f.err
	}
	return f.balance, nil
}

func (f *fakeAPI) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	f.positionCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func btcPosition() domain.Position {
	return domain.Position{
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Size:          decimal.RequireFromString("0.1"),
		Leverage:      decimal.RequireFromString("10"),
		AvgPrice:      decimal.RequireFromString("60000"),
		MarkPrice:     decimal.RequireFromString("61000"),
		UnrealisedPnl: decimal.RequireFromString("50"),
		Status:        domain.StatusNormal,
	}
}

func healthyAPI() *fakeAPI {
	return &fakeAPI{
		balance: domain.BalanceData{
			Equity:           decimal.RequireFromString("1000"),
			AvailableBalance: decimal.RequireFromString("800"),
		},
		positions: []domain.Position{btcPosition()},
	}
}

func newCoordinator(t *testing.T, client api) *Coordinator {
	t.Helper()
	c, err := New(client, Config{Interval: MinInterval}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func recvChange(t *testing.T, ch chan domain.ChangeSet) domain.ChangeSet {
	t.Helper()
	select {
	case change := <-ch:
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change set")
		return domain.ChangeSet{}
	}
}

func waitCycleDone(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.inFlight.Load()
	}, 2*time.Second, time.Millisecond)
}

func TestNew_IntervalValidation(t *testing.T) {
	client := healthyAPI()

	for _, seconds := range []int{10, 29, 3601, 5000} {
		_, err := New(client, Config{Interval: time.Duration(seconds) * time.Second}, nil)
		require.Error(t, err, "%d seconds must be rejected", seconds)

		var validationErr *domain.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	}

	for _, seconds := range []int{30, 60, 3600} {
		c, err := New(client, Config{Interval: time.Duration(seconds) * time.Second}, nil)
		require.NoError(t, err, "%d seconds is boundary-valid", seconds)
		assert.Equal(t, StateIdle, c.State())
	}
}

func TestCoordinator_FirstCyclePublishesSnapshotAndCreates(t *testing.T) {
	client := healthyAPI()
	c := newCoordinator(t, client)

	changes := c.SubscribeChanges()
	c.Start(context.Background())

	change := recvChange(t, changes)
	assert.Equal(t, []string{"BTCUSDT"}, change.Created)
	assert.Empty(t, change.Removed)
	assert.Empty(t, change.Updated)

	snap, stale := c.Snapshot()
	require.NotNil(t, snap)
	assert.False(t, stale)
	assert.Equal(t, "1000", snap.Equity.String())
	assert.Equal(t, "800", snap.AvailableBalance.String())
	assert.Equal(t, "50", snap.TotalUnrealisedPnl.String(), "summed over open positions")
	require.Contains(t, snap.Positions, "BTCUSDT")
	assert.Equal(t, "0.1", snap.Positions["BTCUSDT"].Size.String())
	assert.Equal(t, StateReady, c.State())
}

func TestCoordinator_SamePayloadTwiceIsUpdateOnly(t *testing.T) {
	client := healthyAPI()
	c := newCoordinator(t, client)
	changes := c.SubscribeChanges()

	c.tick(context.Background())
	first := recvChange(t, changes)
	assert.Equal(t, []string{"BTCUSDT"}, first.Created)

	c.tick(context.Background())
	second := recvChange(t, changes)
	assert.Empty(t, second.Created)
	assert.Empty(t, second.Removed)
	assert.Equal(t, []string{"BTCUSDT"}, second.Updated)
}

func TestCoordinator_RemovalSignaledWhenPositionCloses(t *testing.T) {
	client := healthyAPI()
	c := newCoordinator(t, client)
	changes := c.SubscribeChanges()

	c.tick(context.Background())
	recvChange(t, changes)

	client.positions = nil
	c.tick(context.Background())
	change := recvChange(t, changes)
	assert.Equal(t, []string{"BTCUSDT"}, change.Removed)

	snap, _ := c.Snapshot()
	assert.Empty(t, snap.Positions)
}

func TestCoordinator_FailureThresholdAndRecovery(t *testing.T) {
	client := healthyAPI()
	c := newCoordinator(t, client)
	changes := c.SubscribeChanges()
	availability := c.SubscribeAvailability()

	c.tick(context.Background())
	recvChange(t, changes)
	published, _ := c.Snapshot()

	client.err = errors.New("connection reset")

	c.tick(context.Background())
	waitCycleDone(t, c)
	assert.Equal(t, StateDegraded, c.State())
	assert.True(t, c.Available())

	snap, stale := c.Snapshot()
	assert.Same(t, published, snap, "last good snapshot stays published")
	assert.True(t, stale)

	c.tick(context.Background())
	waitCycleDone(t, c)
	assert.Equal(t, StateDegraded, c.State())

	c.tick(context.Background())
	waitCycleDone(t, c)
	assert.Equal(t, StateFailed, c.State())
	assert.False(t, c.Available())
	assert.Equal(t, 3, c.ConsecutiveFailures())

	select {
	case up := <-availability:
		assert.False(t, up)
	case <-time.After(time.Second):
		t.Fatal("expected availability=false signal")
	}

	// snapshot survives the Failed state for inspection
	snap, stale = c.Snapshot()
	assert.Same(t, published, snap)
	assert.True(t, stale)

	// next success resets everything
	client.err = nil
	c.tick(context.Background())
	recvChange(t, changes)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 0, c.ConsecutiveFailures())

	select {
	case up := <-availability:
		assert.True(t, up)
	case <-time.After(time.Second):
		t.Fatal("expected availability=true signal")
	}

	_, stale = c.Snapshot()
	assert.False(t, stale)
}

func TestCoordinator_TicksDroppedWhileFetching(t *testing.T) {
	client := healthyAPI()
	client.gate = make(chan struct{})
	c := newCoordinator(t, client)
	changes := c.SubscribeChanges()

	ctx := context.Background()
	c.tick(ctx)
	require.Eventually(t, func() bool {
		return client.balanceCalls.Load() == 1
	}, time.Second, time.Millisecond)

	// ticks during the in-flight cycle are skipped, not queued
	for i := 0; i < 5; i++ {
		c.tick(ctx)
	}
	assert.Equal(t, int32(1), client.balanceCalls.Load())

	close(client.gate)
	recvChange(t, changes)
	assert.Equal(t, int32(1), client.balanceCalls.Load(), "skipped ticks must not run later")
}

func TestCoordinator_StopIsDeterministic(t *testing.T) {
	client := healthyAPI()
	client.gate = make(chan struct{})
	c := newCoordinator(t, client)

	ctx := context.Background()
	c.Start(ctx)
	require.Eventually(t, func() bool {
		return client.balanceCalls.Load() == 1
	}, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop must wait for the in-flight cycle")
	case <-time.After(50 * time.Millisecond):
	}

	close(client.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	// no publications after Stop: the gated cycle was cancelled mid-flight
	snap, _ := c.Snapshot()
	assert.Nil(t, snap)
	assert.False(t, c.inFlight.Load())
}

func TestCoordinator_CancelledCycleIsDiscarded(t *testing.T) {
	client := healthyAPI()
	c := newCoordinator(t, client)
	changes := c.SubscribeChanges()

	c.tick(context.Background())
	recvChange(t, changes)
	waitCycleDone(t, c)
	published, _ := c.Snapshot()

	client.blockUntilCancelled.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	c.tick(ctx)
	require.Eventually(t, func() bool {
		return client.balanceCalls.Load() == 2
	}, time.Second, time.Millisecond)

	cancel()
	waitCycleDone(t, c)

	// the interrupted cycle leaves no trace: not a failure, not stale
	snap, stale := c.Snapshot()
	assert.Same(t, published, snap)
	assert.False(t, stale)
	assert.Equal(t, 0, c.ConsecutiveFailures())
	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.Available())
}

func TestCoordinator_AuthErrorCountsAsFailure(t *testing.T) {
	client := healthyAPI()
	client.err = &bybit.ApiError{Kind: bybit.KindAuth, Code: 10003, Msg: "API key is invalid."}
	c := newCoordinator(t, client)

	c.tick(context.Background())
	waitCycleDone(t, c)

	assert.Equal(t, StateDegraded, c.State())
	snap, _ := c.Snapshot()
	assert.Nil(t, snap)
}
