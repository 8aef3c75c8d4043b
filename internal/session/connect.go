package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sebas/captionrelay/internal/transport"
	"github.com/sebas/captionrelay/internal/wire"
)

// Action is the command sent once a new connection is up.
type Action int

const (
	ActionNone Action = iota
	ActionRegister
	ActionMakeCall
	ActionCancel
	ActionAnswer
	ActionIgnore
	ActionPickUp
	ActionStartCaptions
	ActionTest
	ActionCallActive
	ActionCallEnd
	ActionSIPActive
	ActionSIPRestart
	ActionSIPFailed
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRegister:
		return "register"
	case ActionMakeCall:
		return "make_call"
	case ActionCancel:
		return "cancel"
	case ActionAnswer:
		return "answer"
	case ActionIgnore:
		return "ignore"
	case ActionPickUp:
		return "pick_up"
	case ActionStartCaptions:
		return "start_captions"
	case ActionTest:
		return "test"
	case ActionCallActive:
		return "call_active"
	case ActionCallEnd:
		return "call_end"
	case ActionSIPActive:
		return "sip_active"
	case ActionSIPRestart:
		return "sip_restart"
	case ActionSIPFailed:
		return "sip_failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// command builds the outbound command for a, or "" for ActionNone.
func (a Action) command(f wire.Fields) string {
	switch a {
	case ActionRegister:
		return wire.Register(f)
	case ActionMakeCall:
		return wire.EasyStartRelay(f)
	case ActionCancel:
		return wire.StopRelay(f)
	case ActionAnswer:
		return wire.AnswerCall(f)
	case ActionIgnore:
		return wire.IgnoreCall(f)
	case ActionPickUp:
		return wire.AcceptInboundCall(f)
	case ActionStartCaptions:
		return wire.StartCaptions(f)
	case ActionTest:
		return wire.TestCall(f)
	case ActionCallActive:
		return wire.CallActive(f)
	case ActionCallEnd:
		return wire.CallEnd(f)
	case ActionSIPActive:
		return wire.SIPActive(f)
	case ActionSIPRestart:
		return wire.SIPRestart(f)
	case ActionSIPFailed:
		return wire.SIPFailed(f)
	default:
		return ""
	}
}

func (c *Controller) transportConfig(host string, port int) transport.Config {
	return transport.Config{
		Kind:           c.cfg.Transport,
		Host:           host,
		WSHost:         c.cfg.Endpoint.WSHost,
		Port:           port,
		ConnectTimeout: c.cfg.ConnectTimeout,
		SocketTimeout:  c.cfg.Endpoint.SocketTimeout,
		RetryInterval:  c.retryInterval,
		TLS:            c.cfg.TLS,
	}
}

// connect replaces the transport with a new generation and dials it in the
// background. action is performed once the connection is up.
func (c *Controller) connect(action Action, host string, port int) {
	c.closeTransport()
	c.gen++
	gen := c.gen
	c.pending = action

	t := c.factory(gen, c.transportConfig(host, port), c.handleTransport)
	c.tr = t

	ctx := c.callCtx
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Debug("[Session] Connecting",
		"transport", c.cfg.Transport.String(),
		"host", host,
		"port", port,
		"action", action.String(),
		"gen", gen)

	go func() {
		if err := t.Connect(ctx); err != nil {
			c.post(func() { c.onConnectError(gen, err) })
		}
	}()
}

func (c *Controller) closeTransport() {
	if c.tr == nil {
		return
	}
	if err := c.tr.Close(); err != nil {
		slog.Debug("[Session] Transport close", "error", err)
	}
	c.tr = nil
}

// handleTransport runs on transport goroutines and forwards to the run
// goroutine.
func (c *Controller) handleTransport(ev transport.Event) {
	c.post(func() { c.onTransport(ev) })
}

func (c *Controller) onTransport(ev transport.Event) {
	if ev.Gen != c.gen || c.tr == nil {
		slog.Debug("[Session] Stale transport event dropped",
			"event", ev.Kind.String(),
			"gen", ev.Gen,
			"current_gen", c.gen)
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		c.onConnected()
	case transport.EventData:
		c.dispatch(ev.Data)
	case transport.EventLost:
		c.connectionLost()
	case transport.EventClosed:
		c.shutdown(EventCallEnded, ev.Data)
	case transport.EventFailed:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.reportError(CodeTransportFailure, msg)
		c.connectionLost()
	}
}

func (c *Controller) onConnected() {
	if c.m.current() == StateCallEnded {
		slog.Debug("[Session] Connected after call ended, closing")
		c.closeTransport()
		return
	}

	if c.retrying.Load() && c.retryGen == c.gen {
		c.reconnected()
	}

	action := c.pending
	c.pending = ActionNone
	if cmd := action.command(c.fields()); cmd != "" {
		c.send(cmd)
	}
}

func (c *Controller) onConnectError(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		slog.Debug("[Session] Connect abandoned", "gen", gen, "error", err)
		if c.retrying.Load() && c.retryGen == gen {
			c.retrying.Store(false)
		}
		return
	}

	slog.Error("[Session] Connect failed", "gen", gen, "error", err)
	if c.retrying.Load() && c.retryGen == gen {
		c.retrying.Store(false)
	}
	c.shutdown(EventConnectFailed, c.msgs.Failure)
}
