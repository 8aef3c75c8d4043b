package captions

import "sync"

// sipWorker runs bridge operations in order on its own goroutine, so SIP
// registration, STUN lookups and teardown never hold up the session
// goroutine that delivers events to the coordinator.
type sipWorker struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    chan struct{}
}

// post queues fn. It never blocks.
func (w *sipWorker) post(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, fn)
	if w.running {
		return
	}
	w.running = true
	w.idle = make(chan struct{})
	go w.drain(w.idle)
}

func (w *sipWorker) drain(idle chan struct{}) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			close(idle)
			return
		}
		fn := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued operation, including ones queued while
// waiting, has run.
func (w *sipWorker) wait() {
	for {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			return
		}
		idle := w.idle
		w.mu.Unlock()
		<-idle
	}
}
