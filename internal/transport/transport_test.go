package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 32)}
}

func (r *recorder) handle(ev Event) { r.events <- ev }

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(wait):
	}
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func socketConfig(port int) Config {
	return Config{
		Kind:           KindSocket,
		Host:           "127.0.0.1",
		Port:           port,
		ConnectTimeout: time.Second,
		SocketTimeout:  50 * time.Millisecond,
		plain:          true,
	}
}

func TestSocketFramesInOrder(t *testing.T) {
	ln, port := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	rec := newRecorder()
	s := NewSocket(7, socketConfig(port), rec.handle)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	ev := rec.next(t)
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, uint64(7), ev.Gen)

	server := <-accepted
	defer server.Close()

	// A frame split across writes must arrive whole.
	_, err := server.Write([]byte("A=1\x00B=2\x00C="))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = server.Write([]byte("3\x00"))
	require.NoError(t, err)

	for _, want := range []string{"A=1", "B=2", "C=3"} {
		ev := rec.next(t)
		assert.Equal(t, EventData, ev.Kind)
		assert.Equal(t, want, ev.Data)
	}
}

func TestSocketSendAppendsTerminator(t *testing.T) {
	ln, port := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	rec := newRecorder()
	s := NewSocket(1, socketConfig(port), rec.handle)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, s.Send("myMethod=KeepAlive||myID=S"))
	require.NoError(t, s.Send("myMethod=PollData||myID=S"))

	r := bufio.NewReader(server)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	first, err := r.ReadString(0)
	require.NoError(t, err)
	assert.Equal(t, "myMethod=KeepAlive||myID=S\x00", first)
	second, err := r.ReadString(0)
	require.NoError(t, err)
	assert.Equal(t, "myMethod=PollData||myID=S\x00", second)
}

func TestSocketPeerCloseReportsLostOnce(t *testing.T) {
	ln, port := listen(t)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	rec := newRecorder()
	s := NewSocket(2, socketConfig(port), rec.handle)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	assert.Equal(t, EventConnected, rec.next(t).Kind)
	ev := rec.next(t)
	assert.Equal(t, EventLost, ev.Kind)
	assert.Error(t, ev.Err)
	rec.none(t, 100*time.Millisecond)
}

func TestSocketCloseSuppressesLost(t *testing.T) {
	ln, port := listen(t)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	rec := newRecorder()
	s := NewSocket(3, socketConfig(port), rec.handle)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, EventConnected, rec.next(t).Kind)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send("x"), ErrClosed)
	rec.none(t, 150*time.Millisecond)
}

func TestSocketClosedBeforeStartDropsConn(t *testing.T) {
	rec := newRecorder()
	s := NewSocket(6, socketConfig(1), rec.handle)
	require.NoError(t, s.Close())

	local, remote := net.Pipe()
	defer remote.Close()
	assert.ErrorIs(t, s.start(local), ErrClosed)

	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "dialed conn left open")
	rec.none(t, 50*time.Millisecond)
}

func TestSocketConnectAttemptsExhausted(t *testing.T) {
	ln, port := listen(t)
	require.NoError(t, ln.Close())

	cfg := socketConfig(port)
	cfg.DialAttempts = 2
	cfg.RetryInterval = 10 * time.Millisecond

	s := NewSocket(4, cfg, newRecorder().handle)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectAttempts))
}

func TestSocketConnectCancelled(t *testing.T) {
	ln, port := listen(t)
	require.NoError(t, ln.Close())

	cfg := socketConfig(port)
	cfg.RetryInterval = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := NewSocket(5, cfg, newRecorder().handle).Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func wsServer(t *testing.T, serve func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketExchange(t *testing.T) {
	got := make(chan string, 4)
	url := wsServer(t, func(c *websocket.Conn) {
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		got <- string(msg)
		_ = c.WriteMessage(websocket.TextMessage, []byte("REGRETURN=1||MYID=ABC"))
		_, _, _ = c.ReadMessage()
	})

	rec := newRecorder()
	w := NewWebSocket(9, Config{wsURL: url}, rec.handle)

	// Queued before the handshake, flushed after it.
	require.NoError(t, w.Send("myMethod=Register||"))
	require.NoError(t, w.Connect(context.Background()))
	defer w.Close()

	assert.Equal(t, EventConnected, rec.next(t).Kind)
	select {
	case msg := <-got:
		assert.Equal(t, "myMethod=Register||", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the queued command")
	}

	ev := rec.next(t)
	assert.Equal(t, EventData, ev.Kind)
	assert.Equal(t, "REGRETURN=1||MYID=ABC", ev.Data)
}

func TestWebSocketPeerCloseIsOrderly(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
		_ = c.Close()
	})

	rec := newRecorder()
	w := NewWebSocket(1, Config{wsURL: url}, rec.handle)
	require.NoError(t, w.Connect(context.Background()))
	defer w.Close()

	assert.Equal(t, EventConnected, rec.next(t).Kind)
	assert.Equal(t, EventClosed, rec.next(t).Kind)
}

func TestWebSocketAbruptDropFails(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn) {
		_ = c.UnderlyingConn().Close()
	})

	rec := newRecorder()
	w := NewWebSocket(1, Config{wsURL: url}, rec.handle)
	require.NoError(t, w.Connect(context.Background()))
	defer w.Close()

	assert.Equal(t, EventConnected, rec.next(t).Kind)
	assert.Equal(t, EventFailed, rec.next(t).Kind)
}

func TestWebSocketSendAfterClose(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn) {
		_, _, _ = c.ReadMessage()
	})
	rec := newRecorder()
	w := NewWebSocket(1, Config{wsURL: url}, rec.handle)
	require.NoError(t, w.Connect(context.Background()))
	assert.Equal(t, EventConnected, rec.next(t).Kind)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Send("x"), ErrClosed)
	rec.none(t, 100*time.Millisecond)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("socket")
	require.NoError(t, err)
	assert.Equal(t, KindSocket, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindWebSocket, k)

	_, err = ParseKind("carrier-pigeon")
	assert.Error(t, err)
}

func TestClientTLSVerifiesByDefault(t *testing.T) {
	c := tlsFor(nil, "css.prod.example.com")
	assert.False(t, c.InsecureSkipVerify)
	assert.Equal(t, "css.prod.example.com", c.ServerName)
}
