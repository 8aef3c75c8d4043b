package sipbridge

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContact(t *testing.T) {
	tests := []struct {
		in   string
		want Contact
	}{
		{"relay@10.0.0.5", Contact{User: "relay", Host: "10.0.0.5", Port: 5060}},
		{"relay@10.0.0.5:5080", Contact{User: "relay", Host: "10.0.0.5", Port: 5080}},
		{"sip:8005551212@sip.example.com:5062", Contact{User: "8005551212", Host: "sip.example.com", Port: 5062}},
		{"  ops@host  ", Contact{User: "ops", Host: "host", Port: 5060}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseContact(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseContactRejectsBadTargets(t *testing.T) {
	for _, in := range []string{"", "nohost", "@host", "user@", "user@host:0", "user@host:99999", "user@host:abc", "user@:5060"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseContact(in)
			assert.ErrorIs(t, err, ErrInvalidContact)
		})
	}
}

func TestContactFormatting(t *testing.T) {
	c := Contact{User: "relay", Host: "10.0.0.5", Port: 5080}
	assert.Equal(t, "relay@10.0.0.5:5080", c.String())
	assert.Equal(t, "10.0.0.5:5080", c.Addr())

	uri := c.URI()
	assert.Equal(t, "relay", uri.User)
	assert.Equal(t, "10.0.0.5", uri.Host)
	assert.Equal(t, 5080, uri.Port)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "BYE", StateBye.String())
	assert.Equal(t, "Unknown(99)", ManagerState(99).String())

	assert.True(t, StateCalling.InviteInFlight())
	assert.True(t, StateRinging.InviteInFlight())
	assert.False(t, StateEstablished.InviteInFlight())
}

func TestLocalProfileDefaults(t *testing.T) {
	p := LocalProfile{DeviceID: "dev-1", SIPPort: 5070}
	assert.True(t, p.IsLocal())
	assert.Equal(t, "127.0.0.1", p.Host())
	assert.Equal(t, "dev-1", p.User())
	assert.Equal(t, "0.0.0.0:5070", p.ListenAddr())

	p.Username = "alice"
	p.Registrar = "registrar.example.com"
	p.Address = net.ParseIP("192.0.2.10")
	assert.False(t, p.IsLocal())
	assert.Equal(t, "alice", p.User())
	assert.Equal(t, "192.0.2.10", p.Host())
}

func TestNewLocalProfile(t *testing.T) {
	p := NewLocalProfile(t.Context(), "dev-1", ProfileOptions{})
	assert.Equal(t, "dev-1", p.DeviceID)
	assert.Equal(t, DefaultLocalSIPPort, p.SIPPort)
	assert.Equal(t, DefaultRTPPort, p.RTPPort)
	assert.Equal(t, DefaultRTCPPort, p.RTCPPort)
	assert.Equal(t, DefaultAudioFormats, p.AudioFormats)

	if ip := CurrentIP(); ip != nil {
		assert.NotNil(t, ip.To4())
		assert.False(t, ip.IsLoopback())
	}
}
