package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bywatch/internal/domain"
	"github.com/vadiminshakov/bywatch/internal/services/poller"
)

type fakeSource struct {
	snapshot     *domain.AccountSnapshot
	stale        bool
	state        poller.State
	available    bool
	failures     int
	changes      chan domain.ChangeSet
	availability chan bool
}

func (f *fakeSource) Snapshot() (*domain.AccountSnapshot, bool) { return f.snapshot, f.stale }
func (f *fakeSource) State() poller.State                       { return f.state }
func (f *fakeSource) Available() bool                           { return f.available }
func (f *fakeSource) ConsecutiveFailures() int                  { return f.failures }
func (f *fakeSource) SubscribeChanges() chan domain.ChangeSet   { return f.changes }
func (f *fakeSource) UnsubscribeChanges(chan domain.ChangeSet)  {}
func (f *fakeSource) SubscribeAvailability() chan bool          { return f.availability }
func (f *fakeSource) UnsubscribeAvailability(chan bool)         {}

func newTestServer(source *fakeSource) *httptest.Server {
	s := NewServer("", source, http.NotFoundHandler(), zap.NewNop())
	return httptest.NewServer(s.Router())
}

func TestServer_SnapshotEndpoint(t *testing.T) {
	source := &fakeSource{
		snapshot: &domain.AccountSnapshot{
			Equity:    decimal.RequireFromString("1000"),
			Positions: map[string]domain.Position{},
		},
		stale:     true,
		state:     poller.StateDegraded,
		available: true,
	}
	ts := newTestServer(source)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body snapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Stale)
	assert.Equal(t, "1000", body.Snapshot.Equity.String())
}

func TestServer_SnapshotEndpointBeforeFirstCycle(t *testing.T) {
	ts := newTestServer(&fakeSource{state: poller.StateIdle, available: true})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_HealthEndpoint(t *testing.T) {
	source := &fakeSource{state: poller.StateFailed, available: false, failures: 3}
	ts := newTestServer(source)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "failed", body.State)
	assert.False(t, body.Available)
	assert.Equal(t, 3, body.ConsecutiveFailures)
}

func TestServer_PositionStream(t *testing.T) {
	source := &fakeSource{
		state:        poller.StateReady,
		available:    true,
		changes:      make(chan domain.ChangeSet, 1),
		availability: make(chan bool, 1),
	}
	ts := newTestServer(source)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/positions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	source.changes <- domain.ChangeSet{Created: []string{"BTCUSDT"}}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string           `json:"type"`
		Data domain.ChangeSet `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "positions", msg.Type)
	assert.Equal(t, []string{"BTCUSDT"}, msg.Data.Created)

	source.availability <- false
	var availMsg struct {
		Type string `json:"type"`
		Data bool   `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&availMsg))
	assert.Equal(t, "availability", availMsg.Type)
	assert.False(t, availMsg.Data)
}
