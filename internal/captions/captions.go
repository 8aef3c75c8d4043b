// Package captions is the client entry point for a caption call. It wraps a
// session.Controller, places the SIP leg when the service announces a
// remote SIP target, and folds SIP outcomes back into session events.
package captions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sebas/captionrelay/internal/session"
	"github.com/sebas/captionrelay/internal/sipbridge"
)

// Bridge is the SIP leg as seen by the coordinator.
type Bridge interface {
	InitializeLocalProfile(ctx context.Context) sipbridge.LocalProfile
	InitiateCall(ctx context.Context, uri string) error
	EndCall(ctx context.Context)
	State() sipbridge.ManagerState
	RemoteAddress() string
	RemoteRTPPort() int
	RemoteRTCPPort() int
}

// BridgeFactory creates the SIP leg for one call.
type BridgeFactory func(cfg sipbridge.Config, host sipbridge.Host) Bridge

// Media keeps the negotiated RTP path open while the SIP leg is up.
type Media interface {
	Start(addr string, rtpPort, rtcpPort int) error
	Stop()
}

// Config configures a Coordinator.
type Config struct {
	Session session.Config
	// SIP configures the bridge. DeviceID and UserAgent default to the
	// session call parameters.
	SIP sipbridge.Config
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSessionOptions passes options to the wrapped controller.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Coordinator) { c.sessOpts = append(c.sessOpts, opts...) }
}

// WithBridgeFactory replaces the SIP bridge constructor.
func WithBridgeFactory(f BridgeFactory) Option {
	return func(c *Coordinator) { c.newBridge = f }
}

// WithMedia starts m toward the remote RTP address once SIP is established.
func WithMedia(m Media) Option {
	return func(c *Coordinator) { c.media = m }
}

// Coordinator is a caption call with its optional SIP leg. Session commands
// not overridden here are promoted from the embedded controller.
type Coordinator struct {
	*session.Controller

	cb        session.Callback
	sipCfg    sipbridge.Config
	msgs      session.Messages
	newBridge BridgeFactory
	media     Media
	sessOpts  []session.Option
	sip       sipWorker

	// deliver serializes callbacks coming from the controller and the SIP
	// engine goroutines.
	deliver sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	test       bool
	callFailed bool
	bridge     Bridge
}

// New builds a coordinator reporting to cb.
func New(cfg Config, cb session.Callback, opts ...Option) *Coordinator {
	c := &Coordinator{
		cb:  cb,
		ctx: context.Background(),
		newBridge: func(cfg sipbridge.Config, host sipbridge.Host) Bridge {
			return sipbridge.New(cfg, host)
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg.Session.Call = withUserAgentSuffix(cfg.Session.Call)
	c.sipCfg = cfg.SIP
	if c.sipCfg.DeviceID == "" {
		c.sipCfg.DeviceID = cfg.Session.Call.DeviceID
	}
	if c.sipCfg.UserAgent == "" {
		c.sipCfg.UserAgent = cfg.Session.Call.UserAgent
	}
	c.msgs = cfg.Session.Messages
	if c.msgs.SIPError == "" {
		c.msgs.SIPError = session.DefaultMessages().SIPError
	}
	c.Controller = session.New(cfg.Session, c, c.sessOpts...)
	return c
}

// withUserAgentSuffix tags the user agent with the library version.
func withUserAgentSuffix(p session.CallParams) session.CallParams {
	p.UserAgent = p.UserAgent + " CC/" + p.AppVersion + " "
	return p
}

// Run processes commands until ctx ends, then drops any SIP leg and waits
// for pending SIP work.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.Controller.Run(ctx)
	c.endBridge()
	c.sip.wait()
}

// StartCall places a captioned call.
func (c *Coordinator) StartCall() {
	c.mu.Lock()
	c.test = false
	c.callFailed = false
	c.mu.Unlock()
	c.doCall(false)
}

// TestCall places a test call.
func (c *Coordinator) TestCall() {
	c.mu.Lock()
	c.test = true
	c.mu.Unlock()
	c.doCall(true)
}

func (c *Coordinator) doCall(test bool) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		slog.Debug("[Captions] Call already started")
		return
	}
	c.started = true
	c.mu.Unlock()

	c.endBridge()
	if test {
		c.Controller.TestCall()
	} else {
		c.Controller.StartCall()
	}
}

// EndCall drops the SIP leg and hangs up the session.
func (c *Coordinator) EndCall() {
	c.endBridge()
	c.Controller.EndCall()
	c.setStarted(false)
}

// SetCallParams replaces the call parameters, keeping the user agent
// suffix.
func (c *Coordinator) SetCallParams(p session.CallParams) {
	c.Controller.SetCallParams(withUserAgentSuffix(p))
}

// RecordEvent ships "state:msg" as a trace line.
func (c *Coordinator) RecordEvent(state, msg string) {
	c.Controller.LogEvent(state + ":" + msg)
}

// IsTest reports whether the current call is a test call.
func (c *Coordinator) IsTest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.test
}

// Started reports whether a call has been started and not yet ended.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// SIPState returns the SIP leg state, IDLE without a leg.
func (c *Coordinator) SIPState() sipbridge.ManagerState {
	if b := c.currentBridge(); b != nil {
		return b.State()
	}
	return sipbridge.StateIdle
}

func (c *Coordinator) RemoteRTPAddress() string {
	if b := c.currentBridge(); b != nil {
		return b.RemoteAddress()
	}
	return ""
}

func (c *Coordinator) RemoteRTPPort() int {
	if b := c.currentBridge(); b != nil {
		return b.RemoteRTPPort()
	}
	return 0
}

func (c *Coordinator) RemoteRTCPPort() int {
	if b := c.currentBridge(); b != nil {
		return b.RemoteRTCPPort()
	}
	return 0
}

// ProcessState intercepts SIP related events and forwards the rest.
func (c *Coordinator) ProcessState(ev session.Event, msg string) {
	switch ev {
	case session.EventOffHook, session.EventSIPLocal:
		slog.Debug("[Captions] Swallowed", "event", ev.String(), "msg", msg)

	case session.EventSIPRemote:
		c.startSIP(ev, msg)

	case session.EventSessionSIPEstablished:
		c.RecordEvent(ev.String(), msg)
		c.startMedia()
		c.Controller.MarkSIPEstablished()
		c.forward(ev, msg)
		if c.IsTest() {
			c.Controller.EndTestCall()
		} else {
			c.forward(session.EventOnline, c.OpID())
		}

	case session.EventSessionSIPFailed:
		c.mu.Lock()
		c.callFailed = true
		c.mu.Unlock()
		c.RecordEvent(ev.String(), msg)
		c.forward(ev, c.msgs.SIPError)
		if c.IsTest() {
			c.Controller.EndTestCall()
		} else {
			c.EndCall()
		}

	case session.EventCallEnded:
		c.EndCall()
		c.mu.Lock()
		failed := c.callFailed
		c.mu.Unlock()
		if failed {
			return
		}
		c.setStarted(false)
		c.forward(ev, msg)

	case session.EventCancelCall, session.EventConnectFailed, session.EventConnectionLost, session.EventError:
		c.setStarted(false)
		c.forward(ev, msg)

	default:
		c.forward(ev, msg)
	}
}

// ProcessError forwards protocol and SIP errors.
func (c *Coordinator) ProcessError(code, msg string) {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	if c.cb != nil {
		c.cb.ProcessError(code, msg)
	}
}

func (c *Coordinator) forward(ev session.Event, msg string) {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	if c.cb != nil {
		c.cb.ProcessState(ev, msg)
	}
}

func (c *Coordinator) setStarted(v bool) {
	c.mu.Lock()
	c.started = v
	c.mu.Unlock()
}

func (c *Coordinator) currentBridge() Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge
}

// startSIP places the SIP leg toward uri on the SIP worker. VoIP call types
// carry their own SIP leg and are left alone.
func (c *Coordinator) startSIP(ev session.Event, uri string) {
	if session.IsVoIPCallType(c.CallType()) {
		slog.Debug("[Captions] VoIP call type, SIP leg not placed", "call_type", c.CallType())
		return
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		slog.Debug("[Captions] SIP target ignored, no call started", "uri", uri)
		return
	}
	ctx := c.ctx
	b := c.bridge
	created := b == nil
	if created {
		b = c.newBridge(c.sipCfg, bridgeHost{c})
		c.bridge = b
	}
	c.mu.Unlock()

	if created {
		c.RecordEvent(ev.String(), uri)
	}
	c.sip.post(func() {
		b.InitializeLocalProfile(ctx)
		if err := b.InitiateCall(ctx, uri); err != nil {
			slog.Error("[Captions] SIP call not placed", "uri", uri, "error", err)
			c.Controller.LogEventForced("||CODE=" + sipbridge.ErrorCode + "||MSG=" + err.Error())
			c.ProcessState(session.EventSessionSIPFailed, err.Error())
		}
	})
}

func (c *Coordinator) startMedia() {
	b := c.currentBridge()
	if c.media == nil || b == nil || b.RemoteAddress() == "" {
		return
	}
	if err := c.media.Start(b.RemoteAddress(), b.RemoteRTPPort(), b.RemoteRTCPPort()); err != nil {
		slog.Warn("[Captions] Media pinhole not started", "remote", b.RemoteAddress(), "error", err)
	}
}

func (c *Coordinator) endBridge() {
	c.mu.Lock()
	b := c.bridge
	c.bridge = nil
	ctx := c.ctx
	c.mu.Unlock()
	if b == nil {
		return
	}
	if c.media != nil {
		c.media.Stop()
	}
	ctx = context.WithoutCancel(ctx)
	c.sip.post(func() { b.EndCall(ctx) })
}

// bridgeHost routes bridge reports into the coordinator.
type bridgeHost struct{ c *Coordinator }

func (h bridgeHost) ProcessState(ev session.Event, msg string) { h.c.ProcessState(ev, msg) }
func (h bridgeHost) ProcessError(code, msg string)             { h.c.ProcessError(code, msg) }
func (h bridgeHost) RecordEvent(state, info string)            { h.c.RecordEvent(state, info) }

func (h bridgeHost) LogEvent(event string, force bool) {
	if force {
		h.c.Controller.LogEventForced(event)
		return
	}
	h.c.Controller.LogEvent(event)
}
