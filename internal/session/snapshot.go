package session

import "time"

// Snapshot is a point-in-time copy of the session, safe to read from any
// goroutine including callbacks.
type Snapshot struct {
	State         State
	SessionID     string
	OpID          string
	CallID        string
	Number        string
	Attempts      int
	Registered    bool
	InCall        bool
	Test          bool
	Retrying      bool
	PollDisabled  bool
	LogLevel      int
	RetryInterval time.Duration
	Transport     string
	Environment   string
	CallType      string
}

func (c *Controller) publish() {
	s := Snapshot{
		State:         c.m.current(),
		SessionID:     c.sessionID,
		OpID:          c.opID,
		CallID:        c.callID,
		Number:        c.params.Number,
		Attempts:      c.attempts,
		Registered:    c.registered,
		InCall:        c.inCall,
		Test:          c.test,
		Retrying:      c.retrying.Load(),
		PollDisabled:  c.dontPoll,
		LogLevel:      c.logLevel,
		RetryInterval: c.retryInterval,
		Transport:     c.cfg.Transport.String(),
		Environment:   c.cfg.Environment.String(),
		CallType:      c.params.CallType,
	}
	c.mirrorMu.Lock()
	c.mirror = s
	c.mirrorMu.Unlock()
}

// Snapshot returns the latest published session view.
func (c *Controller) Snapshot() Snapshot {
	c.mirrorMu.RLock()
	defer c.mirrorMu.RUnlock()
	return c.mirror
}

// State returns the lifecycle state.
func (c *Controller) State() State { return c.Snapshot().State }

// SessionID returns the service-assigned session id, empty when none.
func (c *Controller) SessionID() string { return c.Snapshot().SessionID }

// OpID returns the id of the engaged captioner.
func (c *Controller) OpID() string { return c.Snapshot().OpID }

// CallType returns the configured call type.
func (c *Controller) CallType() string { return c.Snapshot().CallType }

// IsTest reports whether the current session is a test call.
func (c *Controller) IsTest() bool { return c.Snapshot().Test }
