package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/captionrelay/internal/captions"
	"github.com/sebas/captionrelay/internal/media"
	"github.com/sebas/captionrelay/internal/session"
	"github.com/sebas/captionrelay/internal/sipbridge"
	"github.com/sebas/captionrelay/internal/transport"
)

const envPrefix = "CAPTIONRELAY_"

var (
	// ErrUnknownEnvironment is returned for an unrecognized -env value.
	ErrUnknownEnvironment = session.ErrUnknownEnvironment
	// ErrInsecureLive refuses disabled certificate checks against LIVE.
	ErrInsecureLive = errors.New("insecure TLS is not allowed for the LIVE environment")
	// ErrMissingHost is returned for CUSTOM without a host.
	ErrMissingHost = errors.New("custom environment requires -host or -ws-host")
)

// Config holds the client configuration.
type Config struct {
	Environment  session.Environment
	Host         string
	WSHost       string
	Port         int
	IncomingHost string
	IncomingPort int
	Transport    transport.Kind
	// InsecureTLS disables certificate verification. Refused for LIVE.
	InsecureTLS bool

	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	MaxAttempts    int
	WANTimeout     time.Duration

	Call         session.CallParams
	MessagesPath string
	Messages     session.Messages

	// SIP settings
	SIPPort       int
	SIPRegistrar  string
	SIPUser       string
	SIPPassword   string
	STUNServer    string
	InviteTimeout time.Duration

	// RTP pinhole settings
	RTPPort         int
	PinholeInterval time.Duration

	APIAddr    string
	HealthAddr string
	LogLevel   string

	// Args are the positional arguments left after flags.
	Args []string
}

// Load parses os.Args and the process environment.
func Load() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:], os.Getenv)
}

// Parse defines flags on fs, parses args, then applies environment
// overrides read through getenv.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	d := session.DefaultConfig()
	cfg := &Config{Call: d.Call}

	var env, kind string
	fs.StringVar(&env, "env", "LIVE", "Service environment (LIVE, STAGING, TEST, DEV, CUSTOM)")
	fs.StringVar(&cfg.Host, "host", "", "Caption service host for CUSTOM")
	fs.StringVar(&cfg.WSHost, "ws-host", "", "WebSocket host for CUSTOM")
	fs.IntVar(&cfg.Port, "port", session.ServicePort, "Caption service port for CUSTOM")
	fs.StringVar(&cfg.IncomingHost, "incoming-host", "", "Host used for incoming call commands (defaults to the service host)")
	fs.IntVar(&cfg.IncomingPort, "incoming-port", 0, "Port used for incoming call commands (defaults to the service port)")
	fs.StringVar(&kind, "transport", "websocket", "Transport (websocket, socket)")
	fs.BoolVar(&cfg.InsecureTLS, "insecure-tls", false, "Skip certificate verification (TEST/DEV/CUSTOM only)")

	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", d.ConnectTimeout, "Dial timeout per attempt")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", d.RetryInterval, "Initial reconnect interval")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", d.MaxAttempts, "Dial attempts per connect")
	fs.DurationVar(&cfg.WANTimeout, "wan-timeout", d.WANTimeout, "Keepalive window before a WAN loss warning")

	fs.StringVar(&cfg.Call.Number, "number", "", "Number to call")
	fs.StringVar(&cfg.Call.CallbackNumber, "callback", "", "Callback number")
	fs.StringVar(&cfg.Call.CallType, "call-type", "", "Call type")
	fs.StringVar(&cfg.Call.Instructions, "instructions", "", "Captioner instructions")
	fs.StringVar(&cfg.Call.DeviceCaps, "caps", "", "Device capabilities")
	fs.StringVar(&cfg.Call.UserAgent, "user-agent", "captionctl", "User agent")
	fs.StringVar(&cfg.Call.AppVersion, "app-version", "1.0", "Application version")
	fs.StringVar(&cfg.Call.UserID, "user-id", d.Call.UserID, "User id")
	fs.StringVar(&cfg.Call.DeviceID, "device-id", "", "Device id")
	fs.StringVar(&cfg.Call.DeviceType, "device-type", "", "Device type")
	fs.StringVar(&cfg.Call.PushToken, "push-token", "", "Push token")
	fs.StringVar(&cfg.Call.OverrideToken, "override-token", "", "Override token")
	fs.StringVar(&cfg.Call.Enterprise, "enterprise", "", "Enterprise")
	fs.StringVar(&cfg.Call.CallGroup, "call-group", "", "Call group")
	fs.StringVar(&cfg.MessagesPath, "messages", "", "JSON file with localized messages")

	fs.IntVar(&cfg.SIPPort, "sip-port", sipbridge.DefaultLocalSIPPort, "Local SIP port")
	fs.StringVar(&cfg.SIPRegistrar, "sip-registrar", "", "SIP registrar host[:port] (empty for no REGISTER)")
	fs.StringVar(&cfg.SIPUser, "sip-user", "", "SIP auth user")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP auth password")
	fs.StringVar(&cfg.STUNServer, "stun", "", "STUN server host:port for public address discovery")
	fs.DurationVar(&cfg.InviteTimeout, "invite-timeout", sipbridge.DefaultInviteTimeout, "SIP INVITE response timeout")

	fs.IntVar(&cfg.RTPPort, "rtp-port", media.DefaultLocalPort, "Local RTP port")
	fs.DurationVar(&cfg.PinholeInterval, "pinhole-interval", media.DefaultInterval, "RTP keepalive interval")

	fs.StringVar(&cfg.APIAddr, "api", "127.0.0.1:8080", "Status API listen address (empty to disable)")
	fs.StringVar(&cfg.HealthAddr, "health", "", "gRPC health listen address (empty to disable)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()

	lookup := func(name string) (string, bool) {
		v := getenv(envPrefix + name)
		return v, v != ""
	}
	if v, ok := lookup("ENV"); ok {
		env = v
	}
	if v, ok := lookup("TRANSPORT"); ok {
		kind = v
	}
	overrideString(lookup, "HOST", &cfg.Host)
	overrideString(lookup, "WS_HOST", &cfg.WSHost)
	overrideString(lookup, "NUMBER", &cfg.Call.Number)
	overrideString(lookup, "CALLBACK", &cfg.Call.CallbackNumber)
	overrideString(lookup, "CALL_TYPE", &cfg.Call.CallType)
	overrideString(lookup, "USER_ID", &cfg.Call.UserID)
	overrideString(lookup, "DEVICE_ID", &cfg.Call.DeviceID)
	overrideString(lookup, "PUSH_TOKEN", &cfg.Call.PushToken)
	overrideString(lookup, "SIP_REGISTRAR", &cfg.SIPRegistrar)
	overrideString(lookup, "SIP_USER", &cfg.SIPUser)
	overrideString(lookup, "SIP_PASSWORD", &cfg.SIPPassword)
	overrideString(lookup, "STUN", &cfg.STUNServer)
	overrideString(lookup, "API_ADDR", &cfg.APIAddr)
	overrideString(lookup, "HEALTH_ADDR", &cfg.HealthAddr)
	overrideString(lookup, "LOGLEVEL", &cfg.LogLevel)
	overrideString(lookup, "MESSAGES", &cfg.MessagesPath)
	if err := overrideInt(lookup, "PORT", &cfg.Port); err != nil {
		return nil, err
	}
	if v, ok := lookup("INSECURE_TLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%sINSECURE_TLS: %w", envPrefix, err)
		}
		cfg.InsecureTLS = b
	}

	var err error
	if cfg.Environment, err = session.ParseEnvironment(env); err != nil {
		return nil, err
	}
	if cfg.Transport, err = transport.ParseKind(kind); err != nil {
		return nil, err
	}

	cfg.Messages = session.DefaultMessages()
	if cfg.MessagesPath != "" {
		if cfg.Messages, err = LoadMessages(cfg.MessagesPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideString(lookup func(string) (string, bool), name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func overrideInt(lookup func(string) (string, bool), name string, dst *int) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.InsecureTLS && c.Environment == session.EnvLive {
		return ErrInsecureLive
	}
	if c.Environment == session.EnvCustom && c.Host == "" && c.WSHost == "" {
		return ErrMissingHost
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RTPPort <= 0 || c.RTPPort > 65535 {
		return fmt.Errorf("invalid RTP port %d", c.RTPPort)
	}
	return nil
}

// LoadMessages reads a JSON object of localized strings. Missing keys keep
// their English defaults.
func LoadMessages(path string) (session.Messages, error) {
	m := session.DefaultMessages()
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read messages: %w", err)
	}
	var overrides struct {
		Failure        string `json:"failure"`
		Lost           string `json:"lost"`
		Queued         string `json:"queued"`
		Connecting     string `json:"connecting"`
		PleaseWait     string `json:"please_wait"`
		PlacingCall    string `json:"placing_call"`
		CallAnswered   string `json:"call_answered"`
		ResumeDisabled string `json:"resume_disabled"`
		SIPError       string `json:"sip_error"`
		WANLoss        string `json:"wan_loss"`
	}
	if err := json.Unmarshal(data, &overrides); err != nil {
		return m, fmt.Errorf("parse messages %s: %w", path, err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&m.Failure, overrides.Failure)
	set(&m.Lost, overrides.Lost)
	set(&m.Queued, overrides.Queued)
	set(&m.Connecting, overrides.Connecting)
	set(&m.PleaseWait, overrides.PleaseWait)
	set(&m.PlacingCall, overrides.PlacingCall)
	set(&m.CallAnswered, overrides.CallAnswered)
	set(&m.ResumeDisabled, overrides.ResumeDisabled)
	set(&m.SIPError, overrides.SIPError)
	set(&m.WANLoss, overrides.WANLoss)
	return m, nil
}

// Endpoint resolves the caption service endpoint.
func (c *Config) Endpoint() session.Endpoint {
	if c.Environment == session.EnvCustom {
		return session.CustomEndpoint(c.Host, c.WSHost, c.Port)
	}
	return c.Environment.Endpoint()
}

// Session builds the controller configuration.
func (c *Config) Session() session.Config {
	s := session.DefaultConfig()
	s.Environment = c.Environment
	s.Endpoint = c.Endpoint()
	s.IncomingHost = c.IncomingHost
	s.IncomingPort = c.IncomingPort
	s.Transport = c.Transport
	if c.InsecureTLS {
		s.TLS = transport.ClientTLS("", true)
	}
	s.ConnectTimeout = c.ConnectTimeout
	s.RetryInterval = c.RetryInterval
	s.MaxAttempts = c.MaxAttempts
	s.WANTimeout = c.WANTimeout
	s.Call = c.Call
	s.Messages = c.Messages
	return s
}

// SIP builds the bridge configuration. DeviceID and UserAgent are filled
// from the call parameters by the captions coordinator.
func (c *Config) SIP() sipbridge.Config {
	return sipbridge.Config{
		InviteTimeout: c.InviteTimeout,
		Profile: sipbridge.ProfileOptions{
			SIPPort:    c.SIPPort,
			RTPPort:    c.RTPPort,
			Registrar:  c.SIPRegistrar,
			Username:   c.SIPUser,
			Password:   c.SIPPassword,
			STUNServer: c.STUNServer,
		},
	}
}

// Captions builds the coordinator configuration.
func (c *Config) Captions() captions.Config {
	return captions.Config{Session: c.Session(), SIP: c.SIP()}
}

// Pinhole builds the RTP keepalive configuration.
func (c *Config) Pinhole() media.Config {
	return media.Config{LocalPort: c.RTPPort, Interval: c.PinholeInterval}
}
