package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/captionrelay/internal/session"
	"github.com/sebas/captionrelay/internal/transport"
)

func parse(t *testing.T, args []string, env map[string]string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return Parse(fs, args, func(k string) string { return env[k] })
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, session.EnvLive, cfg.Environment)
	assert.Equal(t, transport.KindWebSocket, cfg.Transport)
	assert.Equal(t, session.DefaultUserID, cfg.Call.UserID)
	assert.Equal(t, 5071, cfg.RTPPort)
	assert.Equal(t, 20*time.Second, cfg.InviteTimeout)
	assert.Equal(t, session.DefaultMessages(), cfg.Messages)

	s := cfg.Session()
	assert.Equal(t, "websocket.clearcaptions.com", s.Endpoint.WSHost)
	assert.Nil(t, s.TLS)
}

func TestFlagsAndPositionalArgs(t *testing.T) {
	cfg, err := parse(t, []string{
		"-env", "test", "-transport", "socket", "-number", "5551234",
		"-call-type", "71", "-sip-registrar", "sip.example.com:5070", "-rtp-port", "6000",
		"answer", "S1",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, session.EnvTest, cfg.Environment)
	assert.Equal(t, transport.KindSocket, cfg.Transport)
	assert.Equal(t, "5551234", cfg.Call.Number)
	assert.Equal(t, []string{"answer", "S1"}, cfg.Args)

	sip := cfg.SIP()
	assert.Equal(t, "sip.example.com:5070", sip.Profile.Registrar)
	assert.Equal(t, 6000, sip.Profile.RTPPort)
	assert.Equal(t, 6000, cfg.Pinhole().LocalPort)
	assert.Equal(t, "css.test.clearcaptions.com", cfg.Captions().Session.Endpoint.Host)
}

func TestEnvironmentOverridesFlags(t *testing.T) {
	cfg, err := parse(t, []string{"-number", "1"}, map[string]string{
		"CAPTIONRELAY_ENV":       "custom",
		"CAPTIONRELAY_HOST":      "captions.internal",
		"CAPTIONRELAY_PORT":      "4443",
		"CAPTIONRELAY_NUMBER":    "2",
		"CAPTIONRELAY_LOGLEVEL":  "debug",
		"CAPTIONRELAY_TRANSPORT": "tcp",
	})
	require.NoError(t, err)

	assert.Equal(t, "2", cfg.Call.Number)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, transport.KindSocket, cfg.Transport)
	assert.Equal(t, session.Endpoint{Host: "captions.internal", Port: 4443, SocketTimeout: 5 * time.Second}, cfg.Endpoint())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want error
	}{
		{"insecure live", []string{"-insecure-tls"}, nil, ErrInsecureLive},
		{"insecure live from env", nil, map[string]string{"CAPTIONRELAY_INSECURE_TLS": "true"}, ErrInsecureLive},
		{"custom without host", []string{"-env", "custom"}, nil, ErrMissingHost},
		{"unknown environment", []string{"-env", "moon"}, nil, ErrUnknownEnvironment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args, tt.env)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := parse(t, []string{"-max-attempts", "0"}, nil)
	assert.Error(t, err)
	_, err = parse(t, nil, map[string]string{"CAPTIONRELAY_PORT": "x"})
	assert.Error(t, err)
	_, err = parse(t, []string{"-transport", "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func TestInsecureAllowedOutsideLive(t *testing.T) {
	cfg, err := parse(t, []string{"-env", "dev", "-insecure-tls"}, nil)
	require.NoError(t, err)
	tls := cfg.Session().TLS
	require.NotNil(t, tls)
	assert.True(t, tls.InsecureSkipVerify)
}

func TestLoadMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "es.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"connecting":"Conectando...","sip_error":"Algo salió mal"}`), 0o600))

	cfg, err := parse(t, []string{"-messages", path}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Conectando...", cfg.Messages.Connecting)
	assert.Equal(t, "Algo salió mal", cfg.Messages.SIPError)
	assert.Equal(t, session.DefaultMessages().Queued, cfg.Messages.Queued)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = parse(t, []string{"-messages", path}, nil)
	assert.Error(t, err)
}
