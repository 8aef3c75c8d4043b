// Package session drives one caption call against the caption service: it
// connects the transport, registers, places the relay, dispatches inbound
// packets into events, and funnels connection loss through a bounded
// reconnect policy.
//
// All mutable session state is owned by a single goroutine. Public methods
// post a command to it and return immediately; errors never escape to the
// caller and are reported through the Callback instead.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/captionrelay/internal/transport"
	"github.com/sebas/captionrelay/internal/wire"
)

// Controller is one caption session.
type Controller struct {
	cfg     Config
	msgs    Messages
	cb      Callback
	obs     Observer
	factory transport.Factory
	backoff func(attempt int) time.Duration

	box  mailbox
	quit chan struct{}
	done chan struct{}
	stop sync.Once

	// Owned by the run goroutine.
	m             *machine
	params        CallParams
	sessionID     string
	opID          string
	callID        string
	tr            transport.Transport
	gen           uint64
	pending       Action
	registered    bool
	inCall        bool
	test          bool
	firstContact  int
	firstPoll     bool
	waitFirstTime bool
	dontPoll      bool
	logLevel      int
	retryInterval time.Duration
	attempts      int
	callCtx       context.Context
	callCancel    context.CancelFunc
	wan           timer
	hangup        timer

	// Reconnect bookkeeping. retrying is the funnel's re-entrancy guard.
	retrying   atomic.Bool
	retryGen   uint64
	retryPrior State

	mirrorMu sync.RWMutex
	mirror   Snapshot
}

// New builds a controller. Run must be called before any command is
// processed.
func New(cfg Config, cb Callback, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:           cfg,
		msgs:          cfg.Messages,
		cb:            cb,
		obs:           nopObserver{},
		factory:       transport.New,
		backoff:       BackoffDelay,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		params:        cfg.Call,
		firstPoll:     true,
		waitFirstTime: true,
		retryInterval: cfg.RetryInterval,
	}
	c.box.init()
	for _, opt := range opts {
		opt(c)
	}
	c.m = newMachine(func(from, to State) {
		c.obs.StateChanged(from.String(), to.String())
	})
	c.publish()
	return c
}

// Run processes commands until ctx is cancelled or Close is called.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-c.quit:
			c.teardown()
			return
		case <-c.box.wake:
			for _, fn := range c.box.drain() {
				fn()
			}
			c.publish()
		}
	}
}

// Close stops the controller. No callback fires after Close returns.
func (c *Controller) Close() {
	c.stop.Do(func() { close(c.quit) })
	<-c.done
}

// Done is closed once the run loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Barrier blocks until every command posted before it has been processed.
// It returns false if the controller stopped first.
func (c *Controller) Barrier() bool {
	ch := make(chan struct{})
	c.post(func() { close(ch) })
	select {
	case <-ch:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) post(fn func()) {
	c.box.put(fn)
}

// teardown releases the transport and timers without reporting.
func (c *Controller) teardown() {
	c.wan.stop()
	c.hangup.stop()
	c.closeTransport()
	if c.callCancel != nil {
		c.callCancel()
	}
	c.publish()
}

// StartCall registers and places a call. It is a no-op while in a call.
func (c *Controller) StartCall() {
	c.post(func() {
		if c.inCall {
			slog.Debug("[Session] StartCall ignored, already in call", "session_id", c.sessionID)
			return
		}
		c.begin()
		c.attempts = 1
		c.test = false
		c.m.fire(evRegister)
		c.report(EventRegistering, c.msgs.Connecting)
		c.connect(ActionRegister, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	})
}

// TestCall starts a test session.
func (c *Controller) TestCall() {
	c.post(func() {
		c.begin()
		c.test = true
		c.m.fire(evDial)
		c.report(EventTest, c.msgs.Connecting)
		c.connect(ActionTest, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	})
}

// MakeCall places a call in one shot for stateless clients.
func (c *Controller) MakeCall() {
	c.post(func() {
		c.begin()
		c.dontPoll = true
		c.m.fire(evDial)
		c.report(EventCall, c.msgs.Connecting)
		c.connect(ActionMakeCall, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	})
}

// CancelCall ends a call placed by MakeCall over a fresh connection.
func (c *Controller) CancelCall() {
	c.post(func() {
		c.begin()
		c.dontPoll = true
		c.report(EventCancelCall, c.msgs.PleaseWait)
		c.connect(ActionCancel, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	})
}

// AnswerCall accepts a pushed inbound call identified by sessionID.
func (c *Controller) AnswerCall(sessionID string) {
	c.post(func() {
		c.begin()
		c.sessionID = sessionID
		c.dontPoll = true
		c.connect(ActionAnswer, c.cfg.IncomingHost, c.cfg.IncomingPort)
	})
}

// IgnoreCall declines to answer a pushed inbound call.
func (c *Controller) IgnoreCall(sessionID string) {
	c.post(func() {
		c.begin()
		c.sessionID = sessionID
		c.connect(ActionIgnore, c.cfg.IncomingHost, c.cfg.IncomingPort)
	})
}

// PickUpCall accepts an inbound call waiting on the service.
func (c *Controller) PickUpCall() {
	c.post(func() {
		c.begin()
		c.dontPoll = true
		c.connect(ActionPickUp, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	})
}

// StartCaptions asks the service to begin captioning an existing call.
func (c *Controller) StartCaptions() {
	c.post(func() {
		c.begin()
		c.dontPoll = true
		c.connect(ActionStartCaptions, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	})
}

// SessionCallActive reports an adapter call as active.
func (c *Controller) SessionCallActive() { c.ataCommand(ActionCallActive) }

// SessionCallEnd reports an adapter call as ended.
func (c *Controller) SessionCallEnd() { c.ataCommand(ActionCallEnd) }

// SessionSIPActive reports the adapter SIP leg as up.
func (c *Controller) SessionSIPActive() { c.ataCommand(ActionSIPActive) }

// SessionSIPRestart reports the adapter SIP leg restarting.
func (c *Controller) SessionSIPRestart() { c.ataCommand(ActionSIPRestart) }

// SessionSIPFailed reports the adapter SIP leg failed.
func (c *Controller) SessionSIPFailed() { c.ataCommand(ActionSIPFailed) }

// ataCommand connects to the adapter port for this command only; the
// configured service port is left untouched.
func (c *Controller) ataCommand(a Action) {
	c.post(func() {
		c.begin()
		c.dontPoll = true
		c.connect(a, c.cfg.Endpoint.Host, c.cfg.ATAPort)
	})
}

// EndCall hangs up. A registered session sends StopRelay and waits for the
// service to confirm; an unregistered one ends immediately.
func (c *Controller) EndCall() {
	c.post(func() {
		c.endCall()
		if !c.registered && c.m.current() != StateCallEnded && c.m.current() != StateIdle {
			c.shutdown(EventCallEnded, "")
		}
	})
}

// DeclineCall refuses an inbound call.
func (c *Controller) DeclineCall() {
	c.post(func() {
		c.inCall = false
		c.send(wire.DeclineInboundCall(c.fields()))
	})
}

// EndTestCall finishes a test session.
func (c *Controller) EndTestCall() {
	c.post(func() { c.send(wire.EndTestCall()) })
}

// UpdateCall resends the call parameters.
func (c *Controller) UpdateCall() {
	c.post(func() { c.send(wire.UpdateCall(c.fields())) })
}

// KeepAlive sends a heartbeat.
func (c *Controller) KeepAlive() {
	c.post(func() { c.send(wire.KeepAlive(c.fields())) })
}

// SendText sends free text to the captioner.
func (c *Controller) SendText(text string) {
	c.post(func() { c.send(wire.ExchangeData(c.fields(), text)) })
}

// SendStatusUpdate reports a phone event to the service.
func (c *Controller) SendStatusUpdate(status, message string) {
	c.post(func() { c.send(wire.StatusUpdate(c.fields(), status, message)) })
}

// LogEvent ships a trace line when the service enabled logging.
func (c *Controller) LogEvent(event string) {
	c.post(func() { c.logEvent(event, false) })
}

// LogEventForced ships a trace line regardless of the log level.
func (c *Controller) LogEventForced(event string) {
	c.post(func() { c.logEvent(event, true) })
}

// StopCall ends the call locally with msg and closes the transport.
func (c *Controller) StopCall(msg string) {
	c.post(func() { c.shutdown(EventCallEnded, msg) })
}

// SetNumber sets the number dialed by the next call.
func (c *Controller) SetNumber(number string) {
	c.post(func() { c.params.Number = number })
}

// SetCallParams replaces every call parameter for the next call.
func (c *Controller) SetCallParams(p CallParams) {
	c.post(func() {
		if p.UserID == "" {
			p.UserID = DefaultUserID
		}
		c.params = p
	})
}

// MarkSIPEstablished records that the SIP leg for this call is up.
func (c *Controller) MarkSIPEstablished() {
	c.post(func() { c.m.fire(evSIPUp) })
}

// begin prepares a fresh call when the previous one has finished.
func (c *Controller) begin() {
	if c.m.current() == StateCallEnded {
		c.m.fire(evReset)
	}
	if c.callCtx == nil || c.callCtx.Err() != nil {
		c.callCtx, c.callCancel = context.WithCancel(context.Background())
		c.callID = uuid.NewString()
		c.attempts = 1
	}
}

func (c *Controller) fields() wire.Fields {
	f := c.params.fields()
	f.SessionID = c.sessionID
	return f
}

// report delivers ev to the callback.
func (c *Controller) report(ev Event, msg string) {
	slog.Info("[Session] "+ev.String(),
		"msg", msg,
		"state", c.m.current().String(),
		"session_id", c.sessionID,
		"call_id", c.callID)
	c.obs.EventReported(ev.String())
	c.publish()
	if c.cb != nil {
		c.cb.ProcessState(ev, msg)
	}
}

func (c *Controller) reportError(code, msg string) {
	slog.Warn("[Session] Error reported", "code", code, "msg", msg, "session_id", c.sessionID)
	c.obs.ProtocolError(code)
	if c.cb != nil {
		c.cb.ProcessError(code, msg)
	}
}

func (c *Controller) logEvent(event string, force bool) {
	if !force && c.logLevel <= 0 {
		return
	}
	c.send(wire.LogEvent(c.fields(), event))
}

// send writes cmd on the current transport. A write failure ends the call.
func (c *Controller) send(cmd string) {
	method := wire.MethodOf(cmd)
	if c.tr == nil {
		slog.Debug("[Session] Command dropped, no transport", "method", method)
		return
	}
	if err := c.tr.Send(cmd); err != nil {
		slog.Error("[Session] Send failed", "method", method, "error", err)
		c.shutdown(EventCallEnded, c.msgs.Failure)
		return
	}
	slog.Debug("[Session] Command sent", "method", method, "command", cmd)
	c.obs.PacketOut(method)
}

// endCall hangs up without forcing a terminal state. The hangup grace timer
// ends the call if the service never confirms the StopRelay.
func (c *Controller) endCall() {
	c.inCall = false
	if !c.registered {
		return
	}
	c.send(wire.StopRelay(c.fields()))
	c.hangup.start(c.cfg.HangupGrace, c.post, func() {
		slog.Info("[Session] Hangup not confirmed, ending call", "session_id", c.sessionID)
		c.shutdown(EventCallEnded, "")
	})
}

// shutdown moves to a terminal state and releases every resource tied to
// the call.
func (c *Controller) shutdown(ev Event, msg string) {
	c.wan.stop()
	c.hangup.stop()
	c.params.Number = ""
	c.registered = false
	c.inCall = false
	c.sessionID = ""
	c.opID = ""
	c.firstContact = 0
	c.waitFirstTime = true
	c.firstPoll = true
	c.dontPoll = false
	c.pending = ActionNone
	c.closeTransport()
	if c.callCancel != nil {
		c.callCancel()
	}
	c.m.fire(evEnd)
	c.report(ev, msg)
}
