package session

import (
	"log/slog"
	"sync"
	"time"
)

// mailbox is an unbounded command queue feeding the run goroutine. Posting
// never blocks, so callbacks running on the run goroutine may post freely.
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func (b *mailbox) init() {
	b.wake = make(chan struct{}, 1)
}

func (b *mailbox) put(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []func() {
	b.mu.Lock()
	q := b.queue
	b.queue = nil
	b.mu.Unlock()
	return q
}

// timer is a single-shot timer whose expiry runs on the run goroutine.
// A fire that races with stop or a re-arm is discarded by its sequence.
type timer struct {
	t   *time.Timer
	seq uint64
}

func (t *timer) start(d time.Duration, post func(func()), fire func()) {
	t.stop()
	seq := t.seq
	t.t = time.AfterFunc(d, func() {
		post(func() {
			if t.seq != seq {
				return
			}
			t.t = nil
			fire()
		})
	})
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.seq++
}

func (t *timer) active() bool {
	return t.t != nil
}

// armWAN starts or restarts the keepalive window.
func (c *Controller) armWAN() {
	c.wan.start(c.cfg.WANTimeout, c.post, func() {
		slog.Warn("[Session] Keepalive window exceeded", "session_id", c.sessionID)
		c.reportError(CodeWANLoss, c.msgs.WANLoss)
	})
}
