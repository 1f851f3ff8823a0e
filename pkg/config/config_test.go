package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	s, err := Parse(map[string]string{})
	require.NoError(t, err)
	require.Equal(t, 3000, s.Port)
	require.Equal(t, ":3000", s.ListenAddr())
	require.Equal(t, "default", s.DefaultSession)
	require.Equal(t, 5000, s.HistoryLimit)
	require.Equal(t, 3*time.Second, s.ReconnectDelay)
	require.Equal(t, 30*time.Second, s.ProbeInterval)
	require.Equal(t, BackendFile, s.CredentialsBackend)
	require.False(t, s.Redis.Enabled)
	require.Equal(t, "localhost:6379", s.Redis.Addr)

	p := s.AddressPolicy()
	require.Equal(t, "55", p.CountryCode)
	require.Equal(t, 13, p.MobileStripLength)
	require.Equal(t, 4, p.MobileStripIndex)
	require.Equal(t, "@s.whatsapp.net", p.UserSuffix)
}

func TestParse_Overrides(t *testing.T) {
	s, err := Parse(map[string]string{
		"PORT":               "8080",
		"ADDR":               "127.0.0.1",
		"AUTO_REPLY":         "true",
		"AUTOSTART_SESSIONS": "sales, support,,default",
		"RECONNECT_DELAY":    "1500ms",
		"REDIS_ENABLED":      "true",
		"REDIS_GROUP":        "g1",
		"COUNTRY_CODE":       "49",
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", s.ListenAddr())
	require.True(t, s.AutoReply)
	require.Equal(t, []string{"sales", "support", "default"}, s.Autostart)
	require.Equal(t, []string{"default", "sales", "support"}, s.SessionsToStart())
	require.Equal(t, 1500*time.Millisecond, s.ReconnectDelay)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "g1", s.Redis.Group)
	require.Equal(t, "49", s.AddressPolicy().CountryCode)
}

func TestParse_Invalid(t *testing.T) {
	for _, environ := range []map[string]string{
		{"PORT": "0"},
		{"PORT": "abc"},
		{"CREDENTIALS_BACKEND": "postgres"},
		{"HISTORY_LIMIT": "0"},
		{"DEFAULT_SESSION": " "},
		{"PROBE_INTERVAL": "0s"},
		{"LOG_FORMAT": "xml"},
	} {
		_, err := Parse(environ)
		require.Error(t, err, environ)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SWITCHBOARD_TEST_UNUSED=1\nHISTORY_LIMIT=42\n"), 0o600))
	t.Setenv("HISTORY_LIMIT", "")
	require.NoError(t, os.Unsetenv("HISTORY_LIMIT"))

	s, err := Load(path, true)
	require.NoError(t, err)
	require.Equal(t, 42, s.HistoryLimit)

	t.Setenv("HISTORY_LIMIT", "7")
	s, err = Load(path, true)
	require.NoError(t, err)
	require.Equal(t, 7, s.HistoryLimit)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")
	_, err := Load(missing, false)
	require.NoError(t, err)
	_, err = Load(missing, true)
	require.Error(t, err)
}
