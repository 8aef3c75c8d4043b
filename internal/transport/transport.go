// Package transport carries wire commands to the caption service over
// either a raw TCP/TLS socket or a WebSocket.
//
// A transport instance lives for exactly one connection. Every event it
// emits is tagged with the generation it was built with so the owner can
// drop events from a connection it has already replaced.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")

	// ErrConnectAttempts wraps the last dial error once every attempt failed.
	ErrConnectAttempts = errors.New("connect attempts exhausted")
)

// Kind selects the transport strategy.
type Kind int

const (
	KindWebSocket Kind = iota
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "WEBSOCKET"
	case KindSocket:
		return "SOCKET"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ParseKind accepts the names printed by String, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WEBSOCKET", "WS", "":
		return KindWebSocket, nil
	case "SOCKET", "TCP":
		return KindSocket, nil
	default:
		return KindWebSocket, fmt.Errorf("unknown transport %q", s)
	}
}

// EventKind classifies transport events.
type EventKind int

const (
	// EventConnected fires once the connection is usable.
	EventConnected EventKind = iota
	// EventData carries one inbound command.
	EventData
	// EventLost reports an unexpected socket failure.
	EventLost
	// EventClosed reports an orderly WebSocket close by the peer.
	EventClosed
	// EventFailed reports a WebSocket read failure.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventLost:
		return "lost"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Event is delivered to the Handler of the transport that produced it.
// Data holds the command for EventData and the close reason for EventClosed.
type Event struct {
	Gen  uint64
	Kind EventKind
	Data string
	Err  error
}

// Handler receives transport events. Events of one transport are delivered
// in order; the handler must not block for long.
type Handler func(Event)

// Transport is one connection to the caption service.
type Transport interface {
	// Connect dials the service. It returns once the connection is usable
	// or every attempt failed.
	Connect(ctx context.Context) error
	// Send queues one command. It never blocks on the network.
	Send(cmd string) error
	// Close releases the connection. No events are emitted afterward.
	Close() error
}

// Config describes one connection.
type Config struct {
	Kind           Kind
	Host           string
	WSHost         string
	Port           int
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
	RetryInterval  time.Duration
	DialAttempts   int
	// TLS is cloned for each connection. Nil means verified defaults.
	TLS *tls.Config

	// plain disables TLS on the socket; wsURL overrides the WebSocket
	// endpoint. Both are only set by tests.
	plain bool
	wsURL string
}

const (
	defaultConnectTimeout = time.Second
	defaultSocketTimeout  = 5 * time.Second
	defaultRetryInterval  = 5 * time.Second
	defaultDialAttempts   = 3

	// secureSocketPort is the highest port still dialed in plain text.
	secureSocketPort = 80
	webSocketPort    = "443"
)

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = defaultSocketTimeout
	}
	if c.RetryInterval < 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaultDialAttempts
	}
	return c
}

// Factory builds the transport for one connection generation.
type Factory func(gen uint64, cfg Config, h Handler) Transport

// New is the production Factory.
func New(gen uint64, cfg Config, h Handler) Transport {
	if cfg.Kind == KindSocket {
		return NewSocket(gen, cfg, h)
	}
	return NewWebSocket(gen, cfg, h)
}
