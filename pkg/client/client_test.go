package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetsync/pkg/api"
	"github.com/cuemby/fleetsync/pkg/config"
	"github.com/cuemby/fleetsync/pkg/events"
	"github.com/cuemby/fleetsync/pkg/manager"
	"github.com/cuemby/fleetsync/pkg/types"
)

func newAPI(t *testing.T) (*Client, *manager.Manager) {
	t.Helper()
	cfg := &config.Config{
		SchemaVersion: config.SchemaVersion,
		Provider:      config.ProviderConfig{Type: config.ProviderLoopback},
		Fleets:        []config.FleetConfig{{ID: "sfr-cli", MaxSize: 4, InitialCapacity: 2}},
	}
	cfg.ApplyDefaults()

	logger := zerolog.New(io.Discard)
	mgr, err := manager.NewManager(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	ts := httptest.NewServer(api.NewServer(mgr, logger).Handler())
	t.Cleanup(ts.Close)

	return NewClient(ts.URL, WithRetryMax(0)), mgr
}

func TestClientFleetLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newAPI(t)

	fleets, err := c.Fleets(ctx)
	require.NoError(t, err)
	require.Len(t, fleets, 1)
	assert.Equal(t, "sfr-cli", fleets[0].FleetID)

	status, err := c.Reconcile(ctx, "sfr-cli")
	require.NoError(t, err)
	assert.Len(t, status.Seen, 2)

	nodes, err := c.Nodes(ctx, "sfr-cli")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	planned, err := c.Provision(ctx, "sfr-cli", types.DefaultLabel, 1)
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.NotEmpty(t, planned[0].ID)

	status, err = c.Fleet(ctx, "sfr-cli")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)

	ok, err := c.Terminate(ctx, "sfr-cli", nodes[1].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err = c.Pause(ctx, "sfr-cli")
	require.NoError(t, err)
	assert.True(t, status.Paused)

	status, err = c.Unpause(ctx, "sfr-cli")
	require.NoError(t, err)
	assert.False(t, status.Paused)
}

func TestClientDemandAndNodes(t *testing.T) {
	ctx := context.Background()
	c, _ := newAPI(t)

	demand, err := c.SetDemand(ctx, "sfr-cli", types.DefaultLabel, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{types.DefaultLabel: 3}, demand)

	demand, err = c.FleetDemand(ctx, "sfr-cli")
	require.NoError(t, err)
	assert.Equal(t, 3, demand[types.DefaultLabel])

	all, err := c.Demand(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, all["sfr-cli"][types.DefaultLabel])

	_, err = c.Reconcile(ctx, "sfr-cli")
	require.NoError(t, err)
	nodes, err := c.Nodes(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, nodes)

	require.NoError(t, c.ReportActivity(ctx, nodes[0].ID, true))
	require.NoError(t, c.RemoveNode(ctx, nodes[0].ID))

	err = c.RemoveNode(ctx, nodes[0].ID)
	assert.True(t, IsNotFound(err))
}

func TestClientAPIErrors(t *testing.T) {
	c, _ := newAPI(t)

	_, err := c.Fleet(context.Background(), "sfr-missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "fleet not found")

	_, err = c.SetDemand(context.Background(), "sfr-cli", "", 1)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, IsNotFound(err))
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sfr-cli":{"ec2-fleet":2}}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, WithRetryWait(time.Millisecond, 5*time.Millisecond), WithLogger(zerolog.New(io.Discard)))
	demand, err := c.Demand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, demand["sfr-cli"]["ec2-fleet"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientGivesUp(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"provider unavailable"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, WithRetryMax(2), WithRetryWait(time.Millisecond, time.Millisecond))
	_, err := c.Fleets(context.Background())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "provider unavailable", apiErr.Message)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientStreamEvents(t *testing.T) {
	c, mgr := newAPI(t)
	mgr.Broker().Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *events.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.StreamEvents(ctx, "sfr-cli", func(e *events.Event) error {
			received <- e
			return errors.New("stop")
		})
	}()

	engine, err := mgr.Engine("sfr-cli")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return mgr.Broker().SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, engine.Pause(ctx))

	select {
	case e := <-received:
		assert.Equal(t, events.EventFleetPaused, e.Type)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
	assert.EqualError(t, <-done, "stop")
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9090", NewClient("127.0.0.1:9090").baseURL)
	assert.Equal(t, "https://fleetsync.internal", NewClient("https://fleetsync.internal/").baseURL)
}
