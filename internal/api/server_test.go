package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/sebas/captionrelay/api/types/v1"
	"github.com/sebas/captionrelay/internal/media"
	"github.com/sebas/captionrelay/internal/metrics"
	"github.com/sebas/captionrelay/internal/session"
	"github.com/sebas/captionrelay/internal/sipbridge"
)

type fakeSession struct{ snap session.Snapshot }

func (f fakeSession) Snapshot() session.Snapshot       { return f.snap }
func (f fakeSession) SIPState() sipbridge.ManagerState { return sipbridge.StateEstablished }
func (f fakeSession) RemoteRTPAddress() string         { return "203.0.113.7" }
func (f fakeSession) RemoteRTPPort() int               { return 40000 }
func (f fakeSession) RemoteRTCPPort() int              { return 40001 }

type fakeMedia struct{}

func (fakeMedia) Stats() media.Stats {
	return media.Stats{Remote: "203.0.113.7:40000", Sent: 4, Received: 3, Lost: 1}
}

func newTestServer(t *testing.T) (*httptest.Server, *metrics.Collector) {
	t.Helper()
	sess := fakeSession{snap: session.Snapshot{
		State:       session.StateOnline,
		SessionID:   "S1",
		OpID:        "42",
		Registered:  true,
		InCall:      true,
		Transport:   "WEBSOCKET",
		Environment: "TEST",
	}}
	m := metrics.New("")
	srv := httptest.NewServer(NewServer("127.0.0.1:0", sess, m, fakeMedia{}).Handler())
	t.Cleanup(srv.Close)
	return srv, m
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	var h types.HealthResponse
	getJSON(t, srv.URL+"/api/v1/health", &h)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "online", h.State)
}

func TestSession(t *testing.T) {
	srv, _ := newTestServer(t)
	var s types.SessionResponse
	getJSON(t, srv.URL+"/api/v1/session", &s)

	assert.Equal(t, "online", s.State)
	assert.Equal(t, "S1", s.SessionID)
	assert.Equal(t, "42", s.OpID)
	assert.True(t, s.InCall)
	assert.Equal(t, types.SIPLeg{
		State:          "ESTABLISHED",
		RemoteRTPAddr:  "203.0.113.7",
		RemoteRTPPort:  40000,
		RemoteRTCPPort: 40001,
	}, s.SIP)
}

func TestStatsAndMetrics(t *testing.T) {
	srv, m := newTestServer(t)
	m.PacketOut("Register")
	m.PacketIn("REGRETURN")
	m.Reconnect(1)

	var s types.StatsResponse
	getJSON(t, srv.URL+"/api/v1/stats", &s)
	assert.Equal(t, uint64(1), s.PacketsOut)
	assert.Equal(t, uint64(1), s.Reconnects)
	assert.Equal(t, types.MediaCounter{Remote: "203.0.113.7:40000", Sent: 4, Received: 3, Lost: 1}, s.Media)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `captionrelay_transport_packets_sent_total{method="Register"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/session", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
