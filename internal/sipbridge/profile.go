package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun"
)

// AudioFormat is one codec offered in the SDP.
type AudioFormat struct {
	PayloadType int
	Name        string
	ClockRate   int
}

// DefaultAudioFormats are offered in preference order.
var DefaultAudioFormats = []AudioFormat{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 3, Name: "GSM", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
}

const (
	DefaultLocalSIPPort = 5060
	DefaultRTPPort      = 5071
	DefaultRTCPPort     = 5072
	defaultExpires      = 3600
	stunTimeout         = 3 * time.Second
)

// LocalProfile describes the local SIP endpoint.
type LocalProfile struct {
	DeviceID     string
	Address      net.IP
	SIPPort      int
	RTPPort      int
	RTCPPort     int
	AudioFormats []AudioFormat

	// Registrar is host[:port] of a registrar. Empty means the profile is
	// local and no REGISTER is sent.
	Registrar string
	Username  string
	Password  string
	Expires   int
}

// ProfileOptions are the configurable parts of a LocalProfile.
type ProfileOptions struct {
	SIPPort int
	// RTPPort overrides DefaultRTPPort; RTCP is offered on RTPPort+1.
	RTPPort    int
	Registrar  string
	Username   string
	Password   string
	STUNServer string
}

// IsLocal reports whether the profile registers with nobody.
func (p LocalProfile) IsLocal() bool {
	return p.Registrar == ""
}

// Host is the address advertised in Contact and SDP.
func (p LocalProfile) Host() string {
	if p.Address == nil {
		return "127.0.0.1"
	}
	return p.Address.String()
}

// User is the SIP user part of the local URI.
func (p LocalProfile) User() string {
	if p.Username != "" {
		return p.Username
	}
	return p.DeviceID
}

// ListenAddr is the local SIP bind address.
func (p LocalProfile) ListenAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(p.SIPPort))
}

func (p LocalProfile) String() string {
	return fmt.Sprintf("%s@%s:%d rtp=%d rtcp=%d", p.User(), p.Host(), p.SIPPort, p.RTPPort, p.RTCPPort)
}

// NewLocalProfile builds the profile for deviceID on the current address.
// When a STUN server is configured the public mapped address is advertised
// instead; a failed lookup falls back to the interface address.
func NewLocalProfile(ctx context.Context, deviceID string, opts ProfileOptions) LocalProfile {
	p := LocalProfile{
		DeviceID:     deviceID,
		Address:      CurrentIP(),
		SIPPort:      opts.SIPPort,
		RTPPort:      DefaultRTPPort,
		RTCPPort:     DefaultRTCPPort,
		AudioFormats: append([]AudioFormat(nil), DefaultAudioFormats...),
		Registrar:    opts.Registrar,
		Username:     opts.Username,
		Password:     opts.Password,
		Expires:      defaultExpires,
	}
	if p.SIPPort == 0 {
		p.SIPPort = DefaultLocalSIPPort
	}
	if opts.RTPPort != 0 {
		p.RTPPort = opts.RTPPort
		p.RTCPPort = opts.RTPPort + 1
	}

	if opts.STUNServer != "" {
		ip, err := DiscoverPublicIP(ctx, opts.STUNServer)
		if err != nil {
			slog.Warn("[SIP] STUN lookup failed, using interface address", "server", opts.STUNServer, "error", err)
		} else {
			p.Address = ip
		}
	}
	return p
}

// CurrentIP returns the first IPv4 address that is neither loopback nor
// link-local, or nil.
func CurrentIP() net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Error("[SIP] Unable to list interfaces", "error", err)
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip
		}
	}
	return nil
}

// DiscoverPublicIP asks a STUN server for the mapped address of this host.
func DiscoverPublicIP(ctx context.Context, server string) (net.IP, error) {
	c, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("stun dial %s: %w", server, err)
	}
	defer c.Close()

	type result struct {
		ip  net.IP
		err error
	}
	done := make(chan result, 1)
	send := func(r result) {
		select {
		case done <- r:
		default:
		}
	}
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := c.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				send(result{err: ev.Error})
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				send(result{err: err})
				return
			}
			send(result{ip: xor.IP})
		})
		if err != nil {
			send(result{err: err})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, stunTimeout)
	defer cancel()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("stun binding: %w", r.err)
		}
		slog.Debug("[SIP] STUN mapped address", "server", server, "ip", r.ip.String())
		return r.ip, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("stun binding: %w", ctx.Err())
	}
}
