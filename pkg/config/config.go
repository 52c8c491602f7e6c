// Package config loads and validates the cabana configuration file.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Storage backend identifiers accepted in storage.type.
const (
	StorageSQLite   = "sqlite"
	StorageJSON     = "json"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMongo    = "mongo"
)

// DefaultMaxReconnect is the reconnect budget used when max_reconnect is unset.
const DefaultMaxReconnect = 20

// Config is the resolved, validated configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  *url.URL

	Scopes []string

	// Channels maps an EventSub topic to the broadcaster ids to subscribe
	// for. A nil entry means "use the authenticated user as broadcaster".
	// Every topic has at least one entry after normalization.
	Channels map[string][]*string

	// QueueSkip lists topics whose alerts bypass the priority queue.
	QueueSkip map[string]bool

	MaxReconnect int

	Storage   StorageConfig
	Retention RetentionConfig
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	Type string `yaml:"type" env:"CABANA_STORAGE_TYPE"`
	// Path is the database file (sqlite) or directory (json).
	Path string `yaml:"path" env:"CABANA_STORAGE_PATH"`
	// DSN is the connection string for postgres, redis, and mongo.
	DSN string `yaml:"dsn" env:"CABANA_STORAGE_DSN"`
}

// RetentionConfig controls the archive cleanup schedule.
type RetentionConfig struct {
	// MaxAgeDays is how long archive rows are kept. Zero disables cleanup.
	MaxAgeDays *int   `yaml:"max_age_days" env:"CABANA_RETENTION_MAX_AGE_DAYS"`
	Schedule   string `yaml:"schedule" env:"CABANA_RETENTION_SCHEDULE"`
}

// fileConfig is the raw YAML shape. Optional scalars are pointers so that an
// explicit zero survives the defaults merge.
type fileConfig struct {
	ClientID     string               `yaml:"client_id" env:"CABANA_CLIENT_ID"`
	ClientSecret string               `yaml:"client_secret" env:"CABANA_CLIENT_SECRET"`
	RedirectURI  string               `yaml:"redirect_uri" env:"CABANA_REDIRECT_URI"`
	Scopes       []string             `yaml:"scopes" env:"CABANA_SCOPES" envSeparator:" "`
	Channels     map[string][]*string `yaml:"channels"`
	QueueSkip    []string             `yaml:"queue_skip"`
	MaxReconnect *int                 `yaml:"max_reconnect" env:"CABANA_MAX_RECONNECT"`
	Storage      StorageConfig        `yaml:"storage"`
	Retention    RetentionConfig      `yaml:"retention"`
}

// defaultFileConfig returns the built-in defaults that user values merge over.
func defaultFileConfig() *fileConfig {
	maxAge := 90
	return &fileConfig{
		Storage: StorageConfig{
			Type: StorageSQLite,
			Path: "db/cabana.db",
		},
		Retention: RetentionConfig{
			MaxAgeDays: &maxAge,
			Schedule:   "0 4 * * *",
		},
	}
}

// ListenAddr returns the host:port the embedded web server binds, derived
// from the redirect URI. A missing port falls back to 80/443 by scheme.
func (c *Config) ListenAddr() string {
	host := c.RedirectURI.Hostname()
	port := c.RedirectURI.Port()
	if port == "" {
		if c.RedirectURI.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host + ":" + port
}

// CallbackPath returns the OAuth redirect path, defaulting to "/".
func (c *Config) CallbackPath() string {
	if c.RedirectURI.Path == "" {
		return "/"
	}
	return c.RedirectURI.Path
}

// MaxAge returns the retention window in days (0 = cleanup disabled).
func (c *Config) MaxAge() int {
	if c.Retention.MaxAgeDays == nil {
		return 0
	}
	return *c.Retention.MaxAgeDays
}

func validate(fc *fileConfig) error {
	if fc.ClientID == "" {
		return NewValidationError("client_id", "", ErrMissingRequiredField)
	}
	if fc.ClientSecret == "" {
		return NewValidationError("client_secret", "", ErrMissingRequiredField)
	}
	if fc.RedirectURI == "" {
		return NewValidationError("redirect_uri", "", ErrMissingRequiredField)
	}
	u, err := url.Parse(fc.RedirectURI)
	if err != nil || u.Host == "" {
		return NewValidationError("redirect_uri", fc.RedirectURI, ErrInvalidValue)
	}
	if fc.MaxReconnect != nil && *fc.MaxReconnect < 0 {
		return NewValidationError("max_reconnect", fmt.Sprint(*fc.MaxReconnect), ErrInvalidValue)
	}
	switch fc.Storage.Type {
	case StorageSQLite, StorageJSON:
		if fc.Storage.Path == "" {
			return NewValidationError("storage.path", "", ErrMissingRequiredField)
		}
	case StoragePostgres, StorageRedis, StorageMongo:
		if fc.Storage.DSN == "" {
			return NewValidationError("storage.dsn", "", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("storage.type", fc.Storage.Type, ErrInvalidValue)
	}
	for topic := range fc.Channels {
		if strings.TrimSpace(topic) == "" {
			return NewValidationError("channels", topic, ErrInvalidValue)
		}
	}
	if fc.Retention.MaxAgeDays != nil && *fc.Retention.MaxAgeDays < 0 {
		return NewValidationError("retention.max_age_days", fmt.Sprint(*fc.Retention.MaxAgeDays), ErrInvalidValue)
	}
	if fc.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(fc.Retention.Schedule); err != nil {
			return NewValidationError("retention.schedule", fc.Retention.Schedule, ErrInvalidValue)
		}
	}
	return nil
}

// resolve converts the merged raw shape into the public Config.
func resolve(fc *fileConfig) (*Config, error) {
	if err := validate(fc); err != nil {
		return nil, err
	}

	u, err := url.Parse(fc.RedirectURI)
	if err != nil {
		return nil, NewValidationError("redirect_uri", fc.RedirectURI, err)
	}

	maxReconnect := DefaultMaxReconnect
	if fc.MaxReconnect != nil {
		maxReconnect = *fc.MaxReconnect
	}

	channels := make(map[string][]*string, len(fc.Channels))
	for topic, bids := range fc.Channels {
		if len(bids) == 0 {
			// Bare topic: one subscription with the condition built from self.
			bids = []*string{nil}
		}
		channels[topic] = bids
	}

	skip := make(map[string]bool, len(fc.QueueSkip))
	for _, topic := range fc.QueueSkip {
		skip[topic] = true
	}

	return &Config{
		ClientID:     fc.ClientID,
		ClientSecret: fc.ClientSecret,
		RedirectURI:  u,
		Scopes:       fc.Scopes,
		Channels:     channels,
		QueueSkip:    skip,
		MaxReconnect: maxReconnect,
		Storage:      fc.Storage,
		Retention:    fc.Retention,
	}, nil
}
