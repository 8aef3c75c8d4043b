package sipbridge

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// maxAuthAttempts bounds digest retries per request.
const maxAuthAttempts = 1

var errNoCredentials = errors.New("challenge received without credentials")

// authHeaderNames returns the challenge header of a 401/407 and the header
// the credentials go back in.
func authHeaderNames(code sip.StatusCode) (challenge, credentials string, ok bool) {
	switch code {
	case sip.StatusUnauthorized:
		return "WWW-Authenticate", "Authorization", true
	case sip.StatusProxyAuthRequired:
		return "Proxy-Authenticate", "Proxy-Authorization", true
	default:
		return "", "", false
	}
}

// authorize answers the digest challenge in resp for req.
func authorize(req *sip.Request, resp *sip.Response, username, password string) (sip.Header, error) {
	if username == "" || password == "" {
		return nil, errNoCredentials
	}
	challengeName, credName, ok := authHeaderNames(resp.StatusCode)
	if !ok {
		return nil, fmt.Errorf("status %d is not a challenge", resp.StatusCode)
	}
	h := resp.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("missing %s header", challengeName)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return sip.NewHeader(credName, cred.String()), nil
}
