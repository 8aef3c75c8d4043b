package session

import (
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	maxBackoff = 30 * time.Second
	// maxBackoffExponent keeps 2^n from overflowing; 2^15 seconds is far
	// past the cap.
	maxBackoffExponent = 15
)

// BackoffCeiling returns min(30s, (2^n - 1)s), the upper bound of the
// reconnect delay after n attempts.
func BackoffCeiling(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if n > maxBackoffExponent {
		n = maxBackoffExponent
	}
	ceiling := time.Duration((1<<n)-1) * time.Second
	if ceiling > maxBackoff {
		return maxBackoff
	}
	return ceiling
}

// BackoffDelay picks a uniformly random delay in [0, BackoffCeiling(n)].
func BackoffDelay(n int) time.Duration {
	ceiling := BackoffCeiling(n)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// connectionLost is the single funnel every transport failure goes through.
func (c *Controller) connectionLost() {
	if c.m.current() == StateCallEnded {
		slog.Debug("[Session] Connection lost after call ended")
		c.closeTransport()
		return
	}
	if !c.retrying.CompareAndSwap(false, true) {
		slog.Debug("[Session] Reconnect already in flight, ignoring loss")
		return
	}

	if !c.inCall {
		c.retrying.Store(false)
		slog.Info("[Session] Connection lost outside a call", "session_id", c.sessionID)
		c.shutdown(EventCallEnded, c.msgs.Lost)
		return
	}

	if c.attempts >= c.cfg.MaxAttempts {
		c.retrying.Store(false)
		slog.Warn("[Session] Reconnect attempts exhausted",
			"attempts", c.attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"session_id", c.sessionID)
		c.shutdown(EventCallEnded, c.msgs.Failure)
		return
	}

	delay := c.backoff(c.attempts)
	c.attempts++
	c.retryPrior = c.m.current()
	c.closeTransport()
	c.m.fire(evLost)
	c.obs.Reconnect(c.attempts)

	slog.Info("[Session] Reconnect scheduled",
		"attempt", c.attempts,
		"delay_ms", delay.Milliseconds(),
		"prior_state", c.retryPrior.String(),
		"session_id", c.sessionID)

	ctx := c.callCtx
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		if ctx == nil {
			<-t.C
			c.post(c.reconnect)
			return
		}
		select {
		case <-t.C:
			c.post(c.reconnect)
		case <-ctx.Done():
			c.post(func() { c.retrying.Store(false) })
		}
	}()
}

// reconnect dials a new transport generation after the backoff.
func (c *Controller) reconnect() {
	if c.m.current() == StateCallEnded {
		c.retrying.Store(false)
		return
	}
	action := ActionNone
	if c.retryPrior == StateRegistering {
		action = ActionRegister
	}
	c.connect(action, c.cfg.Endpoint.Host, c.cfg.Endpoint.Port)
	c.retryGen = c.gen
}

// reconnected restores the pre-failure state once the new connection is up.
func (c *Controller) reconnected() {
	defer c.retrying.Store(false)

	ev := EventConnectionLost
	if c.retryPrior == StateRegistering {
		c.m.fire(evReconnectRegister)
		ev = EventRegistering
	} else {
		c.m.restore(c.retryPrior)
	}
	slog.Info("[Session] Reconnected", "attempt", c.attempts, "state", c.m.current().String())
	c.report(ev, "")
}
