package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sync server configuration. Values come from an optional YAML
// file and are then overridden by environment variables.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Sync struct {
		StartDelay        time.Duration `yaml:"start_delay"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		ClientTimeout     time.Duration `yaml:"client_timeout"`
		JournalCapacity   int           `yaml:"journal_capacity"`
		RatePerSecond     float64       `yaml:"rate_per_second"`
		RateBurst         int           `yaml:"rate_burst"`
	} `yaml:"sync"`

	Scenes struct {
		// Source is "file" or "db".
		Source string `yaml:"source"`
		File   string `yaml:"file"`
	} `yaml:"scenes"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	NATS struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Stream   string `yaml:"stream"`
		Consumer string `yaml:"consumer"`
		Subject  string `yaml:"subject"`
	} `yaml:"nats"`

	Journal struct {
		Postgres bool `yaml:"postgres"`
	} `yaml:"journal"`

	// Database is used by the Postgres journal and the db scene source.
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Server.Port = "8080"
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.Sync.StartDelay = 3 * time.Second
	c.Sync.HeartbeatInterval = 30 * time.Second
	c.Sync.ClientTimeout = 60 * time.Second
	c.Sync.JournalCapacity = 500
	c.Sync.RatePerSecond = 20
	c.Sync.RateBurst = 40
	c.Scenes.Source = "file"
	c.Scenes.File = "config/scenes.yaml"
	c.Auth.Issuer = "vrsync"
	c.Auth.TokenTTL = 12 * time.Hour
	c.NATS.URL = "nats://127.0.0.1:4222"
	c.NATS.Stream = "VRSYNC_COMMANDS"
	c.NATS.Consumer = "vrsync-server"
	c.NATS.Subject = "vrsync.commands.>"
	c.Database = DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Name:     "vrsync",
		SSLMode:  "disable",
	}
	return c
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Sync.StartDelay = getEnvAsDuration("START_DELAY", c.Sync.StartDelay)
	c.Sync.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", c.Sync.HeartbeatInterval)
	c.Sync.ClientTimeout = getEnvAsDuration("CLIENT_TIMEOUT", c.Sync.ClientTimeout)
	c.Sync.JournalCapacity = getEnvAsInt("JOURNAL_CAPACITY", c.Sync.JournalCapacity)

	c.Scenes.Source = getEnv("SCENES_SOURCE", c.Scenes.Source)
	c.Scenes.File = getEnv("SCENES_FILE", c.Scenes.File)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
		c.NATS.Enabled = true
	}
	c.Journal.Postgres = getEnvAsBool("JOURNAL_POSTGRES", c.Journal.Postgres)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Scenes.Source {
	case "file", "db":
	default:
		return fmt.Errorf("scenes.source must be file or db, got %q", c.Scenes.Source)
	}
	if c.Sync.HeartbeatInterval <= 0 || c.Sync.ClientTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and client timeout must be positive")
	}
	if c.Sync.ClientTimeout < c.Sync.HeartbeatInterval {
		return fmt.Errorf("client timeout %s is shorter than heartbeat interval %s",
			c.Sync.ClientTimeout, c.Sync.HeartbeatInterval)
	}
	if c.Sync.StartDelay < 0 {
		return fmt.Errorf("start delay must not be negative")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port %d is out of range", c.Database.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
