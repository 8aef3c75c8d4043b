package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	types "github.com/sebas/captionrelay/api/types/v1"
	"github.com/sebas/captionrelay/internal/media"
	"github.com/sebas/captionrelay/internal/metrics"
	"github.com/sebas/captionrelay/internal/session"
	"github.com/sebas/captionrelay/internal/sipbridge"
)

// SessionProvider exposes the caption call for the API.
// Implemented by captions.Coordinator.
type SessionProvider interface {
	Snapshot() session.Snapshot
	SIPState() sipbridge.ManagerState
	RemoteRTPAddress() string
	RemoteRTPPort() int
	RemoteRTCPPort() int
}

// StatsProvider exposes running counters.
// Implemented by metrics.Collector.
type StatsProvider interface {
	Counters() metrics.Counters
	Handler() http.Handler
}

// MediaProvider exposes RTP pinhole counters.
// Implemented by media.Pinhole.
type MediaProvider interface {
	Stats() media.Stats
}

// Server is the read-only HTTP status API.
type Server struct {
	addr       string
	httpServer *http.Server
	session    SessionProvider
	stats      StatsProvider
	media      MediaProvider
	startTime  time.Time

	mu    sync.Mutex
	bound net.Addr
}

// NewServer creates the API server. stats and m may be nil.
func NewServer(addr string, sp SessionProvider, stats StatsProvider, m MediaProvider) *Server {
	s := &Server{
		addr:      addr,
		session:   sp,
		stats:     stats,
		media:     m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/session", s.handleSession)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	if stats != nil {
		mux.Handle("/metrics", stats.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bound = ln.Addr()
	s.mu.Unlock()
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started, else nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.session.Snapshot()
	s.writeJSON(w, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
		State:  snap.State.String(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.session.Snapshot()
	s.writeJSON(w, types.SessionResponse{
		State:       snap.State.String(),
		SessionID:   snap.SessionID,
		OpID:        snap.OpID,
		CallID:      snap.CallID,
		Number:      snap.Number,
		CallType:    snap.CallType,
		Attempts:    snap.Attempts,
		Registered:  snap.Registered,
		InCall:      snap.InCall,
		Test:        snap.Test,
		Retrying:    snap.Retrying,
		Transport:   snap.Transport,
		Environment: snap.Environment,
		SIP: types.SIPLeg{
			State:          s.session.SIPState().String(),
			RemoteRTPAddr:  s.session.RemoteRTPAddress(),
			RemoteRTPPort:  s.session.RemoteRTPPort(),
			RemoteRTCPPort: s.session.RemoteRTCPPort(),
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var resp types.StatsResponse
	if s.stats != nil {
		c := s.stats.Counters()
		resp.PacketsIn = c.PacketsIn
		resp.PacketsOut = c.PacketsOut
		resp.Reconnects = c.Reconnects
		resp.ProtocolErrors = c.ProtocolErrors
		resp.Events = c.Events
		resp.Transitions = c.Transitions
	}
	if s.media != nil {
		m := s.media.Stats()
		resp.Media = types.MediaCounter{Remote: m.Remote, Sent: m.Sent, Received: m.Received, Lost: m.Lost}
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}
