package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/captionrelay/internal/wire"
)

const (
	readBufferSize  = 1024
	frameQueueDepth = 64
)

// Socket speaks null-terminated commands over TCP, wrapped in TLS when the
// port is above 80.
//
// Three goroutines serve a connection: the reader splits frames off the
// stream, the dispatcher hands them to the handler in order, and the writer
// drains the outbound queue.
type Socket struct {
	gen     uint64
	cfg     Config
	handler Handler

	mu     sync.Mutex
	conn   net.Conn
	queue  []string
	notify chan struct{}
	frames chan string

	done      chan struct{}
	closed    atomic.Bool
	lost      atomic.Bool
	closeOnce sync.Once
}

// NewSocket builds an unconnected socket transport.
func NewSocket(gen uint64, cfg Config, h Handler) *Socket {
	return &Socket{
		gen:     gen,
		cfg:     cfg.withDefaults(),
		handler: h,
		notify:  make(chan struct{}, 1),
		frames:  make(chan string, frameQueueDepth),
		done:    make(chan struct{}),
	}
}

// Connect dials up to DialAttempts times, sleeping RetryInterval between
// attempts. On success it emits EventConnected and starts the I/O loops.
func (s *Socket) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var lastErr error
	for attempt := 1; attempt <= s.cfg.DialAttempts; attempt++ {
		if s.closed.Load() {
			return ErrClosed
		}
		conn, err := s.dial(ctx, addr)
		if err == nil {
			return s.start(conn)
		}
		lastErr = err
		slog.Warn("[Socket] Connect attempt failed",
			"addr", addr,
			"attempt", attempt,
			"error", err)

		if attempt == s.cfg.DialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		case <-time.After(s.cfg.RetryInterval):
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectAttempts, addr, lastErr)
}

func (s *Socket) dial(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.plain || s.cfg.Port <= secureSocketPort {
		return conn, nil
	}

	tconn := tls.Client(conn, tlsFor(s.cfg.TLS, s.cfg.Host))
	if err := tconn.HandshakeContext(dctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tconn, nil
}

// start adopts conn. Close stores closed before reading s.conn, so checking
// closed under s.mu guarantees a concurrent Close either sees conn or makes
// start drop it.
func (s *Socket) start(conn net.Conn) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	slog.Debug("[Socket] Connected", "remote", conn.RemoteAddr().String(), "gen", s.gen)
	s.handler(Event{Gen: s.gen, Kind: EventConnected})

	go s.readLoop(conn)
	go s.dispatchLoop()
	go s.writeLoop(conn)
	return nil
}

func (s *Socket) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	var splitter wire.Splitter
	for {
		if s.closed.Load() {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Feed(buf[:n]) {
				select {
				case s.frames <- frame:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

func (s *Socket) dispatchLoop() {
	for {
		select {
		case frame := <-s.frames:
			if s.closed.Load() {
				return
			}
			s.handler(Event{Gen: s.gen, Kind: EventData, Data: frame})
		case <-s.done:
			return
		}
	}
}

func (s *Socket) writeLoop(conn net.Conn) {
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, cmd := range pending {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SocketTimeout))
			if _, err := conn.Write(wire.Frame(cmd)); err != nil {
				s.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// Send appends cmd to the outbound queue.
func (s *Socket) Send(cmd string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	s.queue = append(s.queue, cmd)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// fail reports the connection lost once, unless Close got there first.
func (s *Socket) fail(err error) {
	if s.closed.Load() || !s.lost.CompareAndSwap(false, true) {
		return
	}
	slog.Info("[Socket] Connection lost", "gen", s.gen, "error", err)
	s.handler(Event{Gen: s.gen, Kind: EventLost, Err: err})
}

// Close stops the loops and closes the connection. It does not wait for the
// loops, which may be running the handler that called Close.
func (s *Socket) Close() error {
	s.closed.Store(true)
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
