package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vadiminshakov/bywatch/internal/domain"
)

func snapshotWith(symbols ...string) *domain.AccountSnapshot {
	positions := make(map[string]domain.Position, len(symbols))
	for _, s := range symbols {
		positions[s] = domain.Position{Symbol: s, Side: domain.SideBuy}
	}
	return &domain.AccountSnapshot{Positions: positions, FetchedAt: time.Now()}
}

func TestDiff_CreatedRemovedUpdated(t *testing.T) {
	previous := snapshotWith("AAAUSDT", "BBBUSDT")
	current := snapshotWith("BBBUSDT", "CCCUSDT")

	change := Diff(previous, current)

	assert.Equal(t, []string{"CCCUSDT"}, change.Created)
	assert.Equal(t, []string{"AAAUSDT"}, change.Removed)
	assert.Equal(t, []string{"BBBUSDT"}, change.Updated)
}

func TestDiff_FirstFetchCreatesEverything(t *testing.T) {
	current := snapshotWith("AAAUSDT", "BBBUSDT")

	change := Diff(nil, current)

	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, change.Created)
	assert.Empty(t, change.Removed)
	assert.Empty(t, change.Updated)
}

func TestDiff_IdenticalSnapshotsReportUpdates(t *testing.T) {
	previous := snapshotWith("BTCUSDT")
	current := snapshotWith("BTCUSDT")

	change := Diff(previous, current)

	assert.Empty(t, change.Created)
	assert.Empty(t, change.Removed)
	assert.Equal(t, []string{"BTCUSDT"}, change.Updated, "membership, not value equality, drives the sets")
}

func TestDiff_EmptyCurrentRemovesEverything(t *testing.T) {
	previous := snapshotWith("AAAUSDT", "BBBUSDT")
	current := snapshotWith()

	change := Diff(previous, current)

	assert.Empty(t, change.Created)
	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, change.Removed)
	assert.Empty(t, change.Updated)
	assert.False(t, change.Empty())
}

func TestDiff_SortedOutput(t *testing.T) {
	current := snapshotWith("ZZZUSDT", "AAAUSDT", "MMMUSDT")

	change := Diff(nil, current)

	assert.Equal(t, []string{"AAAUSDT", "MMMUSDT", "ZZZUSDT"}, change.Created)
}
