// Package sipbridge places the SIP leg of a VoIP caption call. A Bridge
// registers a local profile, invites the captioning contact, and reports
// the outcome to its Host as session events.
package sipbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/captionrelay/internal/session"
)

const (
	// DefaultInviteTimeout bounds the wait for an answer after READY.
	DefaultInviteTimeout = 20 * time.Second

	// ErrorCode is reported for every SIP leg failure.
	ErrorCode = "EP2020"
)

// Host is what the bridge reports to.
type Host interface {
	ProcessState(ev session.Event, msg string)
	ProcessError(code, msg string)
	LogEvent(event string, force bool)
	RecordEvent(state, info string)
}

// Config configures a Bridge.
type Config struct {
	DeviceID      string
	UserAgent     string
	InviteTimeout time.Duration
	Profile       ProfileOptions
	// Engine builds the SIP engine. Defaults to NewSipgoEngine.
	Engine EngineFactory
}

// Bridge drives one SIP call.
type Bridge struct {
	cfg  Config
	host Host

	mu       sync.Mutex
	engine   Engine
	profile  *LocalProfile
	contact  Contact
	state    ManagerState
	sent     bool
	timer    *time.Timer
	timerSeq uint64
	remote   MediaSession
	closed   bool
}

// New creates a bridge reporting to host.
func New(cfg Config, host Host) *Bridge {
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = DefaultInviteTimeout
	}
	if cfg.Engine == nil {
		cfg.Engine = NewSipgoEngine
	}
	return &Bridge{cfg: cfg, host: host, state: StateIdle}
}

// InitializeLocalProfile resolves the local address and builds the profile
// used by the next InitiateCall.
func (b *Bridge) InitializeLocalProfile(ctx context.Context) LocalProfile {
	p := NewLocalProfile(ctx, b.cfg.DeviceID, b.cfg.Profile)
	b.mu.Lock()
	b.profile = &p
	b.mu.Unlock()
	slog.Info("[SIP] Local profile initialized", "profile", p.String())
	return p
}

// InitiateCall parses uri, starts the engine and registers. The INVITE is
// sent once registration reports READY.
func (b *Bridge) InitiateCall(ctx context.Context, uri string) error {
	contact, err := ParseContact(uri)
	if err != nil {
		return err
	}
	slog.Info("[SIP] Initiate call", "contact", contact.String(), "user_agent", b.cfg.UserAgent)

	b.mu.Lock()
	if b.profile == nil {
		b.mu.Unlock()
		b.InitializeLocalProfile(ctx)
		b.mu.Lock()
	}
	if b.engine != nil {
		b.mu.Unlock()
		return errors.New("sip call already initiated")
	}
	b.contact = contact
	b.sent = false
	b.closed = false
	engine, err := b.cfg.Engine(EngineConfig{Profile: *b.profile, UserAgent: b.cfg.UserAgent}, listener{b})
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.engine = engine
	b.mu.Unlock()

	if err := engine.Register(ctx); err != nil {
		slog.Error("[SIP] Register failed", "error", err)
		return err
	}
	return nil
}

// EndCall stops the invite timer, hangs up, unregisters and closes the
// engine.
func (b *Bridge) EndCall(ctx context.Context) {
	b.mu.Lock()
	b.stopTimerLocked()
	engine := b.engine
	b.engine = nil
	b.closed = true
	b.mu.Unlock()
	if engine == nil {
		return
	}

	if err := engine.EndCall(ctx); err != nil {
		slog.Warn("[SIP] End call failed", "error", err)
	}
	if err := engine.Unregister(ctx); err != nil {
		slog.Warn("[SIP] Unregister failed", "error", err)
	}
	if err := engine.Close(); err != nil {
		slog.Warn("[SIP] Engine close failed", "error", err)
	}
}

// ForceState injects s into the running engine as if the engine had
// reached it.
func (b *Bridge) ForceState(s ManagerState, info string) error {
	b.mu.Lock()
	engine := b.engine
	b.mu.Unlock()
	if engine == nil {
		return ErrNoEngine
	}
	engine.ForceState(s, info)
	return nil
}

// State returns the last engine state seen.
func (b *Bridge) State() ManagerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Contact returns the contact of the current call.
func (b *Bridge) Contact() Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contact
}

func (b *Bridge) RemoteAddress() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote.RemoteAddr
}

func (b *Bridge) RemoteRTPPort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote.RTPPort
}

// RemoteRTCPPort is the answered RTCP port, or RTP+1 when none was given.
func (b *Bridge) RemoteRTCPPort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote.EffectiveRTCPPort()
}

func (b *Bridge) startTimerLocked() {
	b.stopTimerLocked()
	b.timerSeq++
	seq := b.timerSeq
	b.timer = time.AfterFunc(b.cfg.InviteTimeout, func() { b.inviteTimedOut(seq) })
}

func (b *Bridge) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerSeq++
}

func (b *Bridge) inviteTimedOut(seq uint64) {
	b.mu.Lock()
	if seq != b.timerSeq || b.engine == nil {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	engine := b.engine
	b.mu.Unlock()

	slog.Warn("[SIP] Invite response timed out", "contact", b.Contact().String(), "timeout", b.cfg.InviteTimeout)
	b.host.LogEvent("||CODE="+ErrorCode+"||MSG=SIP invite response timed out", true)
	engine.ForceState(StateTimeout, "SIP invite response timed out")
}

// listener keeps the EngineListener methods off the Bridge API.
type listener struct{ b *Bridge }

func (l listener) StatusChanged(s ManagerState, info string) {
	b := l.b
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.state = s
	var invite Engine
	switch s {
	case StateReady:
		if !b.sent {
			b.sent = true
			invite = b.engine
		}
		b.startTimerLocked()
	case StateEstablished:
		b.stopTimerLocked()
	}
	contact := b.contact
	b.mu.Unlock()

	b.host.RecordEvent(s.String(), info)
	switch s {
	case StateReady:
		b.host.ProcessState(session.EventOffHook, "")
		if invite != nil {
			slog.Info("[SIP] Sending invite", "contact", contact.String())
			if err := invite.SendInvite(context.Background(), contact); err != nil {
				slog.Error("[SIP] Invite failed", "error", err)
			}
		}
	case StateError:
		b.host.LogEvent("||CODE="+ErrorCode+"||MSG="+info, true)
		b.host.ProcessState(session.EventSessionSIPFailed, "")
	case StateTimeout, StateInvalid:
		b.host.LogEvent("||CODE="+ErrorCode+"||MSG="+info, true)
		b.host.ProcessState(session.EventSessionSIPFailed, "")
		b.host.ProcessError(ErrorCode, "SIP invite response timed out")
	case StateCanceled:
		b.host.ProcessState(session.EventCancelCall, "")
		b.host.ProcessError(ErrorCode, "SIP invite canceled")
	case StateBye:
		b.host.ProcessState(session.EventCallEnded, "")
	default:
		slog.Debug("[SIP] State", "state", s.String(), "info", info)
	}
}

func (l listener) CallStatus(msg string) {
	slog.Debug("[SIP] Call status", "msg", msg)
	l.b.host.RecordEvent("SipManagerCallStatusChanged", msg)
}

func (l listener) SessionChanged(sess *MediaSession) {
	if sess == nil {
		return
	}
	b := l.b
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.remote = *sess
	b.mu.Unlock()

	slog.Info("[SIP] Connected",
		"to", sess.ToURI,
		"remote_addr", sess.RemoteAddr,
		"rtp_port", sess.RTPPort,
		"rtcp_port", sess.EffectiveRTCPPort())
	b.host.ProcessState(session.EventSessionSIPEstablished, "")
}
