package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)
	addr, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, addr
}

func dialFeed(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.feed.size() == n }, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(DefaultConfig(), nil)
	require.NoError(t, err)

	addr, err := srv.Start()
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
	assert.NotEqual(t, ":0", addr)
	assert.Equal(t, addr, srv.Addr())

	url := "http://" + addr + "/"
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "RBE Chrome Interop")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get(url)
	assert.Error(t, err, "request after shutdown should fail")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":0", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, time.Second, cfg.REMBInterval)
	assert.Equal(t, uint32(100_000), cfg.Estimator.RateControl.MinBitrateBps)
	assert.Equal(t, uint32(5_000_000), cfg.Estimator.RateControl.MaxBitrateBps)
	assert.NoError(t, cfg.Validate())
}

func TestNewServer_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.REMBInterval = 0
	_, err := NewServer(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Estimator.RateControl.MaxBitrateBps = 0
	_, err = NewServer(cfg, nil)
	assert.Error(t, err)
}

func TestServerDoubleStart(t *testing.T) {
	srv, err := NewServer(DefaultConfig(), nil)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	addr1, err := srv.Start()
	require.NoError(t, err)
	addr2, err := srv.Start()
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)
}

func TestServerShutdownBeforeStart(t *testing.T) {
	srv, err := NewServer(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.Empty(t, srv.Addr())
}

// =============================================================================
// HTTP endpoints
// =============================================================================

func TestServer_UnknownPath(t *testing.T) {
	_, addr := startServer(t, DefaultConfig())

	resp, err := http.Get("http://" + addr + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	_, addr := startServer(t, DefaultConfig())

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleOffer_Errors(t *testing.T) {
	_, addr := startServer(t, DefaultConfig())

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"GetNotAllowed", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"NotJSON", http.MethodPost, "not json", http.StatusBadRequest},
		{"BadSDP", http.MethodPost, `{"type":"offer","sdp":"garbage"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, "http://"+addr+"/offer", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

// =============================================================================
// Estimate feed
// =============================================================================

func TestFeed_DeliversUpdates(t *testing.T) {
	srv, addr := startServer(t, DefaultConfig())
	conn := dialFeed(t, addr)
	waitForClients(t, srv, 1)

	srv.feed.publish(EstimateUpdate{Connection: "pc-1", BitrateBps: 300_000, SSRCs: []uint32{7}, Timestamp: 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got EstimateUpdate
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EstimateUpdate{Connection: "pc-1", BitrateBps: 300_000, SSRCs: []uint32{7}, Timestamp: 1}, got)
}

func TestFeed_LastUpdateOnConnect(t *testing.T) {
	srv, addr := startServer(t, DefaultConfig())
	srv.feed.publish(EstimateUpdate{Connection: "pc-1", BitrateBps: 100_000})
	srv.feed.publish(EstimateUpdate{Connection: "pc-1", BitrateBps: 200_000})

	conn := dialFeed(t, addr)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got EstimateUpdate
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, uint32(200_000), got.BitrateBps)
}

func TestFeed_ClientDisconnect(t *testing.T) {
	srv, addr := startServer(t, DefaultConfig())
	conn := dialFeed(t, addr)
	waitForClients(t, srv, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, srv, 0)
}

func TestFeed_ShutdownClosesClients(t *testing.T) {
	srv, err := NewServer(DefaultConfig(), nil)
	require.NoError(t, err)
	addr, err := srv.Start()
	require.NoError(t, err)

	conn := dialFeed(t, addr)
	waitForClients(t, srv, 1)
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, 0, srv.feed.size())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestFeed_SlowClientDropped(t *testing.T) {
	f := newEstimateFeed()
	c := &feedClient{send: make(chan []byte, 1)}
	require.True(t, f.add(c))

	f.publish(EstimateUpdate{BitrateBps: 1})
	f.publish(EstimateUpdate{BitrateBps: 2})

	assert.Equal(t, 0, f.size())
	first, ok := <-c.send
	require.True(t, ok)
	assert.True(t, bytes.Contains(first, []byte(`"bitrateBps":1`)))
	_, ok = <-c.send
	assert.False(t, ok, "send channel should be closed")
}

func TestFeed_AddAfterClose(t *testing.T) {
	f := newEstimateFeed()
	f.close()
	assert.False(t, f.add(&feedClient{send: make(chan []byte, 1)}))
}
