package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownEnvironment is returned by ParseEnvironment.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environment selects the caption service deployment.
type Environment int

const (
	EnvLive Environment = iota
	EnvStaging
	EnvTest
	EnvDev
	EnvCustom
)

func (e Environment) String() string {
	switch e {
	case EnvLive:
		return "LIVE"
	case EnvStaging:
		return "STAGING"
	case EnvTest:
		return "TEST"
	case EnvDev:
		return "DEV"
	case EnvCustom:
		return "CUSTOM"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// ParseEnvironment accepts the names printed by String, case-insensitively.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIVE", "PROD", "PRODUCTION":
		return EnvLive, nil
	case "STAGING":
		return EnvStaging, nil
	case "TEST":
		return EnvTest, nil
	case "DEV":
		return EnvDev, nil
	case "CUSTOM":
		return EnvCustom, nil
	default:
		return EnvLive, fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
}

const (
	// ServicePort is the caption service port for every fixed environment.
	ServicePort = 10036
	// ATAPort receives commands from analog telephone adapters.
	ATAPort = 10038

	defaultSocketTimeout = 5 * time.Second
)

// Endpoint is the resolved host/websocket-host/port triple.
type Endpoint struct {
	Host          string
	WSHost        string
	Port          int
	SocketTimeout time.Duration
}

// Endpoint resolves the fixed triple for e. EnvCustom has no fixed triple;
// use CustomEndpoint.
func (e Environment) Endpoint() Endpoint {
	var sub string
	switch e {
	case EnvLive:
		return Endpoint{
			Host:          "css.prod.clearcaptions.com",
			WSHost:        "websocket.clearcaptions.com",
			Port:          ServicePort,
			SocketTimeout: defaultSocketTimeout,
		}
	case EnvStaging:
		sub = "staging"
	case EnvTest:
		sub = "test"
	case EnvDev:
		sub = "dev"
	default:
		return Endpoint{Port: ServicePort, SocketTimeout: defaultSocketTimeout}
	}
	return Endpoint{
		Host:          "css." + sub + ".clearcaptions.com",
		WSHost:        "websocket." + sub + ".clearcaptions.com",
		Port:          ServicePort,
		SocketTimeout: defaultSocketTimeout,
	}
}

// CustomEndpoint builds the triple for EnvCustom.
func CustomEndpoint(host, wsHost string, port int) Endpoint {
	return Endpoint{Host: host, WSHost: wsHost, Port: port, SocketTimeout: defaultSocketTimeout}
}

var voipCallTypes = map[string]struct{}{
	"71":  {},
	"171": {},
	"271": {},
}

// IsVoIPCallType reports whether callType is carried over VoIP, in which
// case no parallel SIP leg is set up.
func IsVoIPCallType(callType string) bool {
	_, ok := voipCallTypes[strings.TrimSpace(callType)]
	return ok
}
