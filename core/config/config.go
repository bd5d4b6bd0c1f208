package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Identity      IdentityConfig
	Presence      PresenceConfig
	Notifications NotificationsConfig
	Liveness      LivenessConfig
	LocalAPI      LocalAPIConfig
	Sink          SinkConfig
	OTel          OTelConfig
	Env           string
	// BaseURL is the single origin both channels are served from.
	BaseURL string
	// SessionCookie is sent verbatim as the Cookie header on the socket
	// handshake and on the event stream request.
	SessionCookie string
}

// IdentityConfig describes the local session. It never changes after Load.
type IdentityConfig struct {
	UserID         string
	UserName       string
	UserEmail      string
	UserImage      string
	UserRole       string
	OrganizationID string
}

type PresenceConfig struct {
	Path              string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

type NotificationsConfig struct {
	// PathTemplate contains "{org}", replaced with the organization id.
	PathTemplate   string
	ReconnectDelay time.Duration
	DedupeWindow   int
}

type LivenessConfig struct {
	IdleTimeout time.Duration
}

type LocalAPIConfig struct {
	Addr string
}

type SinkConfig struct {
	RedisURL    string
	RedisStream string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Load loads configuration from environment variables.
// In development, it loads from .env.livesync first and falls back to .env.
func Load() (Config, error) {
	if getEnv("LIVESYNC_ENV", "development") == "development" {
		if err := godotenv.Load(".env.livesync"); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	env := getEnv("LIVESYNC_ENV", "development")
	cfg := Config{
		Env:           env,
		BaseURL:       strings.TrimRight(getEnv("LIVESYNC_BASE_URL", ""), "/"),
		SessionCookie: getEnv("LIVESYNC_SESSION_COOKIE", ""),
		Identity: IdentityConfig{
			UserID:         getEnv("LIVESYNC_USER_ID", ""),
			UserName:       getEnv("LIVESYNC_USER_NAME", ""),
			UserEmail:      getEnv("LIVESYNC_USER_EMAIL", ""),
			UserImage:      getEnv("LIVESYNC_USER_IMAGE", ""),
			UserRole:       getEnv("LIVESYNC_USER_ROLE", "agent"),
			OrganizationID: getEnv("LIVESYNC_ORG_ID", ""),
		},
		Presence: PresenceConfig{
			Path:              getEnv("PRESENCE_PATH", "/ws/presence"),
			HeartbeatInterval: getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 15*time.Second),
			ReconnectDelay:    getEnvDuration("PRESENCE_RECONNECT_DELAY", time.Second),
			ReconnectAttempts: getEnvInt("PRESENCE_RECONNECT_ATTEMPTS", 10),
			HandshakeTimeout:  getEnvDuration("PRESENCE_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:      getEnvDuration("PRESENCE_WRITE_TIMEOUT", 5*time.Second),
		},
		Notifications: NotificationsConfig{
			PathTemplate:   getEnv("NOTIFICATIONS_PATH", "/api/v1/orgs/{org}/events"),
			ReconnectDelay: getEnvDuration("NOTIFICATIONS_RECONNECT_DELAY", 3*time.Second),
			DedupeWindow:   getEnvInt("NOTIFICATIONS_DEDUPE_WINDOW", 512),
		},
		Liveness: LivenessConfig{
			IdleTimeout: getEnvDuration("LIVENESS_IDLE_TIMEOUT", 3*time.Minute),
		},
		LocalAPI: LocalAPIConfig{
			Addr: getEnv("LOCAL_API_ADDR", "127.0.0.1:7777"),
		},
		Sink: SinkConfig{
			RedisURL:    getEnv("SINK_REDIS_URL", ""),
			RedisStream: getEnv("SINK_REDIS_STREAM", "livesync_notifications"),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "livesync"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    env,
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings a session cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("LIVESYNC_BASE_URL is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("LIVESYNC_BASE_URL must be an http(s) origin, got %q", c.BaseURL))
	}
	if c.Identity.UserID == "" {
		errs = append(errs, errors.New("LIVESYNC_USER_ID is required"))
	}
	if c.Presence.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("PRESENCE_RECONNECT_ATTEMPTS must not be negative"))
	}
	if c.Presence.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("PRESENCE_HEARTBEAT_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// PresenceURL is the WebSocket URL derived from BaseURL (http→ws, https→wss).
func (c Config) PresenceURL() string {
	return websocketOrigin(c.BaseURL) + c.Presence.Path
}

// NotificationsURL is the event stream URL of an organization. It returns
// "" when orgID is empty: a session without an organization has no stream.
func (c Config) NotificationsURL(orgID string) string {
	if orgID == "" {
		return ""
	}
	path := strings.ReplaceAll(c.Notifications.PathTemplate, "{org}", url.PathEscape(orgID))
	return c.BaseURL + path
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c SinkConfig) Enabled() bool {
	return c.RedisURL != ""
}

func (c LocalAPIConfig) Enabled() bool {
	return c.Addr != "" && c.Addr != "off"
}

func websocketOrigin(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("15s") or plain milliseconds ("3000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
