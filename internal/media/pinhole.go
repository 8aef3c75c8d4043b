// Package media keeps the local RTP port of a SIP call reachable. Once the
// SIP leg is established a Pinhole sends PCMU silence toward the answered
// RTP address so NAT bindings open, and counts what comes back.
package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLocalPort = 5071
	// DefaultInterval is the gap between keepalive frames.
	DefaultInterval = 15 * time.Second
	readBufferSize  = 1500
)

var ErrNotStarted = errors.New("pinhole not started")

// Config configures a Pinhole.
type Config struct {
	LocalPort int
	Interval  time.Duration
	Codec     Codec
}

// Stats is a snapshot of pinhole traffic.
type Stats struct {
	Remote   string
	Sent     uint64
	Received uint64
	Lost     uint64
}

// Pinhole is restartable: each Start replaces the previous stream.
type Pinhole struct {
	cfg Config

	mu      sync.Mutex
	conn    net.PacketConn
	remote  *net.UDPAddr
	cancel  context.CancelFunc
	done    chan struct{}
	ssrc    uint32
	seq     uint16
	ts      uint32
	sent    uint64
	tracker SequenceTracker
}

// NewPinhole applies defaults to cfg.
func NewPinhole(cfg Config) *Pinhole {
	if cfg.LocalPort == 0 {
		cfg.LocalPort = DefaultLocalPort
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Codec.SampleRate == 0 {
		cfg.Codec = CodecPCMU
	}
	return &Pinhole{cfg: cfg}
}

// Start binds the local RTP port and begins sending toward addr:rtpPort.
// rtcpPort is only logged; RTCP is not generated.
func (p *Pinhole) Start(addr string, rtpPort, rtcpPort int) error {
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(rtpPort)))
	if err != nil {
		return fmt.Errorf("resolve remote RTP address: %w", err)
	}
	p.Stop()

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", p.cfg.LocalPort))
	if err != nil {
		return fmt.Errorf("listen RTP port %d: %w", p.cfg.LocalPort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.conn = conn
	p.remote = remote
	p.cancel = cancel
	p.done = done
	p.ssrc = randUint32()
	p.seq = uint16(randUint32())
	p.ts = randUint32()
	p.sent = 0
	p.tracker = SequenceTracker{}
	p.mu.Unlock()

	slog.Info("[Media] Pinhole started",
		"local_port", p.cfg.LocalPort,
		"remote", remote.String(),
		"rtcp_port", rtcpPort,
		"codec", p.cfg.Codec.Name)

	if err := p.sendSilence(true); err != nil {
		slog.Warn("[Media] Initial RTP send failed", "remote", remote.String(), "error", err)
	}

	var g errgroup.Group
	g.Go(func() error { return p.sendLoop(ctx) })
	g.Go(func() error { return p.readLoop(conn) })
	go func() {
		if err := g.Wait(); err != nil {
			slog.Debug("[Media] Pinhole loop ended", "error", err)
		}
		close(done)
	}()
	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (p *Pinhole) Stop() {
	p.mu.Lock()
	conn, cancel, done := p.conn, p.cancel, p.done
	p.conn, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	conn.Close()
	<-done
	slog.Debug("[Media] Pinhole stopped", "port", p.cfg.LocalPort)
}

// Stats returns current counters.
func (p *Pinhole) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	recv, lost := p.tracker.Stats()
	s := Stats{Sent: p.sent, Received: recv, Lost: lost}
	if p.remote != nil {
		s.Remote = p.remote.String()
	}
	return s
}

// LocalAddr returns the bound address, or nil when stopped.
func (p *Pinhole) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

func (p *Pinhole) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.sendSilence(false); err != nil {
				if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrNotStarted) {
					return nil
				}
				slog.Debug("[Media] RTP keepalive failed", "error", err)
			}
		}
	}
}

func (p *Pinhole) sendSilence(marker bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotStarted
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.cfg.Codec.PayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: p.cfg.Codec.SilenceFrame(),
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := p.conn.WriteTo(data, p.remote); err != nil {
		return err
	}
	p.seq++
	p.ts += p.cfg.Codec.TimestampIncrement()
	p.sent++
	return nil
}

func (p *Pinhole) readLoop(conn net.PacketConn) error {
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read RTP: %w", err)
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[Media] Dropping non-RTP datagram", "from", from.String(), "size", n)
			continue
		}
		p.mu.Lock()
		_, lost := p.tracker.Update(pkt.SequenceNumber)
		p.mu.Unlock()
		if lost > 0 {
			slog.Debug("[Media] RTP loss", "from", from.String(), "lost", lost)
		}
	}
}

// randUint32 seeds SSRC, sequence and timestamp per RFC 3550.
func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}
