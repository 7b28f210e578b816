package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilal/edr-agent/internal/decision"
	"github.com/bilal/edr-agent/internal/metrics"
	"github.com/bilal/edr-agent/internal/relay"
)

type stubSource struct {
	state    decision.LinkState
	depth    int
	depthErr error
	flush    relay.FlushStatus
}

func (s stubSource) LinkState() decision.LinkState { return s.state }
func (s stubSource) QueueLen() (int, error)        { return s.depth, s.depthErr }
func (s stubSource) LastFlush() relay.FlushStatus  { return s.flush }

func getHealth(t *testing.T, s *Server) (int, map[string]any) {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthReportsRelayState(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New("127.0.0.1:0", "forensic", stubSource{
		state: decision.Buffering,
		depth: 7,
		flush: relay.FlushStatus{At: at, Result: relay.FlushResult{Delivered: 2, Retained: 7}},
	})
	s.SetRunning(true)

	code, body := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "forensic", body["mode"])
	assert.Equal(t, "BUFFERING", body["link_state"])
	assert.Equal(t, float64(7), body["queue_depth"])

	lf, ok := body["last_flush"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-03-01T12:00:00Z", lf["at"])
	assert.Equal(t, float64(2), lf["result"].(map[string]any)["delivered"])
}

func TestHealthBeforeFirstFlush(t *testing.T) {
	s := New("127.0.0.1:0", "minimal", stubSource{state: decision.Online, depthErr: errors.New("queue closed")})
	s.SetRunning(true)

	_, body := getHealth(t, s)
	assert.NotContains(t, body, "last_flush")
	assert.Equal(t, "queue closed", body["queue_error"])
}

func TestHealthNotRunning(t *testing.T) {
	s := New("127.0.0.1:0", "minimal", stubSource{state: decision.Online})
	code, body := getHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["running"])
}

func TestHealthRejectsPost(t *testing.T) {
	srv := httptest.NewServer(New("127.0.0.1:0", "minimal", stubSource{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.QueueDepth.Set(3)
	srv := httptest.NewServer(New("127.0.0.1:0", "minimal", stubSource{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "edr_agent_queue_depth 3")
}

func TestServeAndShutdown(t *testing.T) {
	s := New("127.0.0.1:0", "minimal", stubSource{})
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	// Shutdown may race the listener; Serve must still return nil.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
