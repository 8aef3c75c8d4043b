package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/captionrelay/internal/transport"
	"github.com/sebas/captionrelay/internal/wire"
)

type fakeTransport struct {
	gen        uint64
	cfg        transport.Config
	h          transport.Handler
	connectErr error

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.h(transport.Event{Gen: f.gen, Kind: transport.EventConnected})
	return nil
}

func (f *fakeTransport) Send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(text string) {
	f.h(transport.Event{Gen: f.gen, Kind: transport.EventData, Data: text})
}

func (f *fakeTransport) emit(kind transport.EventKind, data string, err error) {
	f.h(transport.Event{Gen: f.gen, Kind: kind, Data: data, Err: err})
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) methods(method string) []string {
	var out []string
	for _, cmd := range f.commands() {
		if wire.MethodOf(cmd) == method {
			out = append(out, cmd)
		}
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeNet records every transport the controller builds.
type fakeNet struct {
	mu         sync.Mutex
	built      []*fakeTransport
	connectErr error
}

func (n *fakeNet) factory(gen uint64, cfg transport.Config, h transport.Handler) transport.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &fakeTransport{gen: gen, cfg: cfg, h: h, connectErr: n.connectErr}
	n.built = append(n.built, t)
	return t
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.built)
}

func (n *fakeNet) last() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.built) == 0 {
		return nil
	}
	return n.built[len(n.built)-1]
}

type stateCall struct {
	ev  Event
	msg string
}

type errorCall struct {
	code string
	msg  string
}

type recorder struct {
	mu     sync.Mutex
	states []stateCall
	errs   []errorCall
}

func (r *recorder) ProcessState(ev Event, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateCall{ev, msg})
}

func (r *recorder) ProcessError(code, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errorCall{code, msg})
}

func (r *recorder) calls() []stateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateCall(nil), r.states...)
}

func (r *recorder) errors() []errorCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]errorCall(nil), r.errs...)
}

func (r *recorder) count(ev Event) int {
	n := 0
	for _, c := range r.calls() {
		if c.ev == ev {
			n++
		}
	}
	return n
}

func (r *recorder) messages(ev Event) []string {
	var out []string
	for _, c := range r.calls() {
		if c.ev == ev {
			out = append(out, c.msg)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = nil
	r.errs = nil
}

type harness struct {
	t   *testing.T
	c   *Controller
	rec *recorder
	net *fakeNet
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Call.UserID = "U1"
	cfg.Call.DeviceID = "D1"
	cfg.Call.Number = "5551234"
	cfg.Call.UserAgent = "Agent"
	cfg.HangupGrace = time.Minute
	cfg.WANTimeout = time.Minute
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, rec: &recorder{}, net: &fakeNet{}}
	h.c = New(cfg, h.rec,
		WithTransportFactory(h.net.factory),
		WithBackoff(func(int) time.Duration { return 0 }))

	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
	})
	return h
}

func (h *harness) sync() {
	h.t.Helper()
	require.True(h.t, h.c.Barrier(), "controller stopped")
}

// waitSent waits until the latest transport has sent a command of method.
func (h *harness) waitSent(method string, n int) *fakeTransport {
	h.t.Helper()
	var ft *fakeTransport
	require.Eventually(h.t, func() bool {
		ft = h.net.last()
		return ft != nil && len(ft.methods(method)) >= n
	}, 2*time.Second, 5*time.Millisecond, "no %s sent", method)
	return ft
}

func (h *harness) waitEvent(ev Event, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.rec.count(ev) >= n
	}, 2*time.Second, 5*time.Millisecond, "%s not reported %d times", ev, n)
}

// waitNext waits for a transport built after the first before ones to send
// method.
func (h *harness) waitNext(before int, method string) *fakeTransport {
	h.t.Helper()
	var ft *fakeTransport
	require.Eventually(h.t, func() bool {
		if h.net.count() <= before {
			return false
		}
		ft = h.net.last()
		return len(ft.methods(method)) >= 1
	}, 2*time.Second, 5*time.Millisecond, "no new transport sent %s", method)
	return ft
}

// feed delivers text on the current transport and waits for it to be
// processed.
func (h *harness) feed(text string) {
	h.t.Helper()
	ft := h.net.last()
	require.NotNil(h.t, ft)
	ft.deliver(text)
	h.sync()
}

// registered runs StartCall through a successful REGRETURN.
func (h *harness) registered(sessionID string) *fakeTransport {
	h.t.Helper()
	before := h.net.count()
	h.c.StartCall()
	ft := h.waitNext(before, "Register")
	h.feed("REGRETURN=1||MYID=" + sessionID)
	return ft
}

// online runs a call up to a captioner engaged.
func (h *harness) online(sessionID string) *fakeTransport {
	h.t.Helper()
	ft := h.registered(sessionID)
	h.feed("RELAYSTART=1||STATE=ONLINE")
	require.True(h.t, h.c.Snapshot().InCall)
	return ft
}

func hasPrefix(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
