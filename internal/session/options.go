package session

import (
	"crypto/tls"
	"time"

	"github.com/sebas/captionrelay/internal/transport"
	"github.com/sebas/captionrelay/internal/wire"
)

// DefaultUserID is the service-assigned id used when none is configured.
const DefaultUserID = "EPAAKNVVBPHJ4P7YHDAB97VK24787V3"

// CallParams are the per-call values copied into outbound commands.
type CallParams struct {
	Number         string
	CallbackNumber string
	CallType       string
	Instructions   string
	DeviceCaps     string
	UserAgent      string
	AppVersion     string
	UserID         string
	DeviceID       string
	DeviceType     string
	PushToken      string
	OverrideToken  string
	Enterprise     string
	CallGroup      string
	IP             string
}

// FullUserAgent is the user agent as sent on the wire.
func (p CallParams) FullUserAgent() string {
	if p.AppVersion == "" {
		return p.UserAgent
	}
	return p.UserAgent + "(" + p.AppVersion + ")"
}

func (p CallParams) fields() wire.Fields {
	return wire.Fields{
		UserID:         p.UserID,
		DeviceID:       p.DeviceID,
		DeviceType:     p.DeviceType,
		PushToken:      p.PushToken,
		OverrideToken:  p.OverrideToken,
		UserAgent:      p.FullUserAgent(),
		CallType:       p.CallType,
		Enterprise:     p.Enterprise,
		CallGroup:      p.CallGroup,
		IP:             p.IP,
		DeviceCaps:     p.DeviceCaps,
		Number:         p.Number,
		CallbackNumber: p.CallbackNumber,
		Instructions:   p.Instructions,
	}
}

// Config configures a Controller.
type Config struct {
	Environment  Environment
	Endpoint     Endpoint
	IncomingHost string
	IncomingPort int
	ATAPort      int
	Transport    transport.Kind
	TLS          *tls.Config

	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	MaxAttempts    int
	WANTimeout     time.Duration
	HangupGrace    time.Duration

	Call     CallParams
	Messages Messages
}

const (
	defaultConnectTimeout = time.Second
	defaultRetryInterval  = 5 * time.Second
	defaultMaxAttempts    = 3
	defaultWANTimeout     = 5 * time.Second
	defaultHangupGrace    = 3 * time.Second
)

// DefaultConfig returns the LIVE configuration over WebSocket.
func DefaultConfig() Config {
	return Config{
		Environment:    EnvLive,
		Endpoint:       EnvLive.Endpoint(),
		ATAPort:        ATAPort,
		Transport:      transport.KindWebSocket,
		ConnectTimeout: defaultConnectTimeout,
		RetryInterval:  defaultRetryInterval,
		MaxAttempts:    defaultMaxAttempts,
		WANTimeout:     defaultWANTimeout,
		HangupGrace:    defaultHangupGrace,
		Call:           CallParams{UserID: DefaultUserID},
		Messages:       DefaultMessages(),
	}
}

func (c Config) withDefaults() Config {
	if c.Endpoint.Host == "" && c.Endpoint.WSHost == "" {
		c.Endpoint = c.Environment.Endpoint()
	}
	if c.Endpoint.SocketTimeout <= 0 {
		c.Endpoint.SocketTimeout = defaultSocketTimeout
	}
	if c.ATAPort == 0 {
		c.ATAPort = ATAPort
	}
	if c.IncomingHost == "" {
		c.IncomingHost = c.Endpoint.Host
	}
	if c.IncomingPort == 0 {
		c.IncomingPort = c.Endpoint.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.WANTimeout <= 0 {
		c.WANTimeout = defaultWANTimeout
	}
	if c.HangupGrace <= 0 {
		c.HangupGrace = defaultHangupGrace
	}
	if c.Call.UserID == "" {
		c.Call.UserID = DefaultUserID
	}
	c.Messages = c.Messages.withDefaults()
	return c
}

// Option customizes a Controller.
type Option func(*Controller)

// WithTransportFactory replaces the transport constructor.
func WithTransportFactory(f transport.Factory) Option {
	return func(c *Controller) { c.factory = f }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.obs = o
		}
	}
}

// WithBackoff replaces the reconnect delay policy.
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(c *Controller) { c.backoff = f }
}
