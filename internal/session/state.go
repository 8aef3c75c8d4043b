package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/looplab/fsm"
)

// State is the call lifecycle state owned by the controller.
type State int

const (
	// StateIdle is the state before a call and after a finished one.
	StateIdle State = iota
	// StateRegistering is after Register was requested, awaiting REGRETURN.
	StateRegistering
	// StateOnHook is registered with no relay yet.
	StateOnHook
	// StateCalling is after StartRelay was sent.
	StateCalling
	// StateConnected is after a successful RELAYSTART.
	StateConnected
	// StateQueued is waiting for a captioner.
	StateQueued
	// StateOnline is a captioner engaged.
	StateOnline
	// StateSIPPending is a SIP target announced, media not yet up.
	StateSIPPending
	// StateSIPEstablished is the SIP exchange completed.
	StateSIPEstablished
	// StateErrorRetrying is waiting out the reconnect backoff.
	StateErrorRetrying
	// StateCallEnded is terminal until the next call resets it.
	StateCallEnded
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateRegistering:    "registering",
	StateOnHook:         "onhook",
	StateCalling:        "calling",
	StateConnected:      "connected",
	StateQueued:         "queued",
	StateOnline:         "online",
	StateSIPPending:     "sip_pending",
	StateSIPEstablished: "sip_established",
	StateErrorRetrying:  "error_retrying",
	StateCallEnded:      "call_ended",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// IsTerminal returns true for the call-ended state.
func (s State) IsTerminal() bool {
	return s == StateCallEnded
}

// IsActive reports whether a call is somewhere between placing and ending.
func (s State) IsActive() bool {
	return s != StateIdle && s != StateCallEnded
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateIdle
}

// Transition names.
const (
	evRegister          = "register"
	evDial              = "dial"
	evRegistered        = "registered"
	evPlace             = "place"
	evAnswered          = "answered"
	evQueued            = "queued"
	evOnline            = "online"
	evSIPOffer          = "sip_offer"
	evSIPUp             = "sip_up"
	evLost              = "lost"
	evReconnectRegister = "reconnect_register"
	evEnd               = "end"
	evReset             = "reset"
)

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

func allBut(excluded ...State) []string {
	var out []string
	for s := StateIdle; s <= StateCallEnded; s++ {
		skip := false
		for _, e := range excluded {
			if s == e {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, s.String())
		}
	}
	return out
}

func transitions() fsm.Events {
	return fsm.Events{
		{Name: evRegister, Src: allBut(StateRegistering), Dst: StateRegistering.String()},
		{Name: evDial, Src: allBut(StateCalling), Dst: StateCalling.String()},
		{Name: evRegistered, Src: names(StateRegistering), Dst: StateOnHook.String()},
		{Name: evPlace, Src: names(StateOnHook), Dst: StateCalling.String()},
		{Name: evAnswered, Src: names(StateRegistering, StateOnHook, StateCalling), Dst: StateConnected.String()},
		{Name: evQueued, Src: names(StateCalling, StateConnected, StateOnline), Dst: StateQueued.String()},
		{Name: evOnline, Src: names(StateCalling, StateConnected, StateQueued, StateSIPPending), Dst: StateOnline.String()},
		{Name: evSIPOffer, Src: names(StateCalling, StateConnected, StateQueued, StateOnline), Dst: StateSIPPending.String()},
		{Name: evSIPUp, Src: names(StateConnected, StateOnline, StateSIPPending), Dst: StateSIPEstablished.String()},
		{Name: evLost, Src: allBut(StateIdle, StateErrorRetrying, StateCallEnded), Dst: StateErrorRetrying.String()},
		{Name: evReconnectRegister, Src: names(StateErrorRetrying), Dst: StateRegistering.String()},
		{Name: evEnd, Src: allBut(StateCallEnded), Dst: StateCallEnded.String()},
		{Name: evReset, Src: names(StateCallEnded), Dst: StateIdle.String()},
	}
}

// machine wraps the lifecycle FSM. It is only touched from the controller
// goroutine.
type machine struct {
	f        *fsm.FSM
	onChange func(from, to State)
}

func newMachine(onChange func(from, to State)) *machine {
	m := &machine{onChange: onChange}
	m.f = fsm.NewFSM(
		StateIdle.String(),
		transitions(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if m.onChange != nil {
					m.onChange(parseState(e.Src), parseState(e.Dst))
				}
			},
		},
	)
	return m
}

func (m *machine) current() State {
	return parseState(m.f.Current())
}

// fire applies a transition. Transitions that are not valid from the
// current state are ignored.
func (m *machine) fire(event string) bool {
	err := m.f.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false
	}
	slog.Debug("[Session] Transition ignored",
		"event", event,
		"state", m.f.Current(),
		"reason", err.Error())
	return false
}

func (m *machine) can(event string) bool {
	return m.f.Can(event)
}

// restore puts the machine back into s without running a transition. Used
// after a reconnect that resumes the pre-failure state.
func (m *machine) restore(s State) {
	from := m.current()
	if from == s {
		return
	}
	m.f.SetState(s.String())
	if m.onChange != nil {
		m.onChange(from, s)
	}
}
