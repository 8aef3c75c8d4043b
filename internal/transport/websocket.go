package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/captionrelay/internal/wire"
)

// WebSocket speaks commands as text messages to wss://<WSHost>:443.
// Commands sent before the handshake completes are flushed once it does.
type WebSocket struct {
	gen     uint64
	cfg     Config
	handler Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []string

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWebSocket builds an unconnected WebSocket transport.
func NewWebSocket(gen uint64, cfg Config, h Handler) *WebSocket {
	return &WebSocket{gen: gen, cfg: cfg.withDefaults(), handler: h}
}

func (w *WebSocket) endpoint() string {
	if w.cfg.wsURL != "" {
		return w.cfg.wsURL
	}
	u := url.URL{Scheme: "wss", Host: net.JoinHostPort(w.cfg.WSHost, webSocketPort), Path: "/"}
	return u.String()
}

// Connect performs the WebSocket handshake.
func (w *WebSocket) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.cfg.ConnectTimeout,
		TLSClientConfig:  tlsFor(w.cfg.TLS, w.cfg.WSHost),
	}

	endpoint := w.endpoint()
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	w.mu.Lock()
	if w.closed.Load() {
		w.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	w.conn = conn
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	slog.Debug("[WebSocket] Connected", "endpoint", endpoint, "gen", w.gen)
	w.handler(Event{Gen: w.gen, Kind: EventConnected})

	for _, cmd := range pending {
		if err := w.write(conn, cmd); err != nil {
			slog.Warn("[WebSocket] Flush of queued command failed", "method", wire.MethodOf(cmd), "error", err)
			break
		}
	}

	go w.readLoop(conn)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				slog.Info("[WebSocket] Closed by peer", "gen", w.gen, "code", ce.Code, "reason", ce.Text)
				w.handler(Event{Gen: w.gen, Kind: EventClosed, Data: ce.Text, Err: err})
				return
			}
			slog.Info("[WebSocket] Read failed", "gen", w.gen, "error", err)
			w.handler(Event{Gen: w.gen, Kind: EventFailed, Err: err})
			return
		}
		for _, frame := range wire.Split(string(data)) {
			if w.closed.Load() {
				return
			}
			w.handler(Event{Gen: w.gen, Kind: EventData, Data: frame})
		}
	}
}

// Send writes cmd, or queues it while the handshake is in progress.
func (w *WebSocket) Send(cmd string) error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.pending = append(w.pending, cmd)
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	return w.write(conn, cmd)
}

func (w *WebSocket) write(conn *websocket.Conn, cmd string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.SocketTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (w *WebSocket) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.mu.Lock()
	conn := w.conn
	w.pending = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	w.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("[WebSocket] Close frame not sent", "error", err)
	}
	return conn.Close()
}
