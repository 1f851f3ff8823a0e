// Package config loads switchboard settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/address"
	"github.com/go-go-golems/switchboard/pkg/redisstream"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Settings struct {
	Addr           string   `env:"ADDR"`
	Port           int      `env:"PORT" envDefault:"3000"`
	DefaultSession string   `env:"DEFAULT_SESSION" envDefault:"default"`
	Autostart      []string `env:"AUTOSTART_SESSIONS" envSeparator:","`
	SessionsFile   string   `env:"SESSIONS_FILE"`

	AutoReply         bool   `env:"AUTO_REPLY" envDefault:"false"`
	AutoReplyGreeting string `env:"AUTO_REPLY_GREETING"`
	AutoRead          bool   `env:"AUTO_READ" envDefault:"false"`

	WebhookURL        string        `env:"WEBHOOK_URL"`
	WebhookSecret     string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`

	MediaDir           string `env:"MEDIA_DIR" envDefault:"media"`
	MediaMaxBytes      int64  `env:"MEDIA_MAX_BYTES" envDefault:"67108864"`
	SessionDir         string `env:"SESSION_DIR" envDefault:"sessions"`
	CredentialsBackend string `env:"CREDENTIALS_BACKEND" envDefault:"file"`
	CredentialsDSN     string `env:"CREDENTIALS_DSN"`

	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"5000"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	ReconnectMaxDelay time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"0s"`
	ProbeInterval     time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`

	CountryCode             string `env:"COUNTRY_CODE" envDefault:"55"`
	NumberStripLength       int    `env:"NUMBER_STRIP_LENGTH" envDefault:"13"`
	NumberStripIndex        int    `env:"NUMBER_STRIP_INDEX" envDefault:"4"`
	NumberMinPrefixedLength int    `env:"NUMBER_MIN_PREFIXED_LENGTH" envDefault:"12"`
	UserSuffix              string `env:"USER_SUFFIX" envDefault:"@s.whatsapp.net"`

	Redis redisstream.Settings

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	LoopbackPairDelay time.Duration `env:"LOOPBACK_PAIR_DELAY" envDefault:"5s"`
	LoopbackEcho      bool          `env:"LOOPBACK_ECHO" envDefault:"false"`
}

// Load parses the process environment. Values from envFile fill in keys the
// environment does not set. A missing envFile is an error only when required.
func Load(envFile string, required bool) (Settings, error) {
	environ := env.ToMap(os.Environ())
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			for k, v := range vals {
				if _, set := environ[k]; !set {
					environ[k] = v
				}
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return Settings{}, errors.Wrapf(err, "read env file %s", envFile)
		}
	}
	return Parse(environ)
}

// Parse builds Settings from an explicit environment map.
func Parse(environ map[string]string) (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Environment: environ}); err != nil {
		return Settings{}, errors.Wrap(err, "parse environment")
	}
	s.Autostart = cleanList(s.Autostart)
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return errors.Errorf("PORT out of range: %d", s.Port)
	}
	if strings.TrimSpace(s.DefaultSession) == "" {
		return errors.New("DEFAULT_SESSION must not be empty")
	}
	switch s.CredentialsBackend {
	case BackendFile, BackendSQLite:
	default:
		return errors.Errorf("CREDENTIALS_BACKEND must be %q or %q, got %q", BackendFile, BackendSQLite, s.CredentialsBackend)
	}
	if s.HistoryLimit <= 0 {
		return errors.Errorf("HISTORY_LIMIT must be positive, got %d", s.HistoryLimit)
	}
	if s.ReconnectDelay <= 0 {
		return errors.New("RECONNECT_DELAY must be positive")
	}
	if s.ProbeInterval <= 0 {
		return errors.New("PROBE_INTERVAL must be positive")
	}
	if s.WebhookMaxRetries < 0 {
		return errors.New("WEBHOOK_MAX_RETRIES must not be negative")
	}
	if s.NumberStripIndex < 0 {
		return errors.New("NUMBER_STRIP_INDEX must not be negative")
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", s.LogFormat)
	}
	return nil
}

func (s Settings) ListenAddr() string {
	return net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

func (s Settings) AddressPolicy() address.Policy {
	return address.Policy{
		CountryCode:       s.CountryCode,
		MobileStripLength: s.NumberStripLength,
		MobileStripIndex:  s.NumberStripIndex,
		MinPrefixedLength: s.NumberMinPrefixedLength,
		UserSuffix:        s.UserSuffix,
	}
}

// SessionsToStart merges DEFAULT_SESSION with AUTOSTART_SESSIONS, without
// duplicates, default first.
func (s Settings) SessionsToStart() []string {
	out := []string{s.DefaultSession}
	seen := map[string]bool{s.DefaultSession: true}
	for _, id := range s.Autostart {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
