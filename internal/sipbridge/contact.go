package sipbridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// DefaultSIPPort is used when a target carries no port.
const DefaultSIPPort = 5060

var (
	// ErrInvalidContact is returned for targets that are not user@host[:port].
	ErrInvalidContact = errors.New("invalid SIP contact")
	// ErrNoEngine is returned when the bridge is used before InitiateCall.
	ErrNoEngine = errors.New("no SIP engine")
)

// Contact is the remote party of an INVITE.
type Contact struct {
	User string
	Host string
	Port int
}

// ParseContact parses "user@host[:port]". An optional "sip:" scheme is
// accepted.
func ParseContact(target string) (Contact, error) {
	s := strings.TrimSpace(target)
	s = strings.TrimPrefix(s, "sip:")
	user, hostport, ok := strings.Cut(s, "@")
	if !ok || user == "" || hostport == "" {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidContact, target)
	}

	c := Contact{User: user, Host: hostport, Port: DefaultSIPPort}
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return Contact{}, fmt.Errorf("%w: bad port in %q", ErrInvalidContact, target)
		}
		c.Host = host
		c.Port = n
	}
	if c.Host == "" {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidContact, target)
	}
	return c, nil
}

func (c Contact) String() string {
	return c.User + "@" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URI is the contact as a SIP request URI.
func (c Contact) URI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: c.User, Host: c.Host, Port: c.Port}
}

// Addr is the host:port the INVITE is sent to.
func (c Contact) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
