package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// APIKeys maps an owner id to its API key.
		APIKeys     map[string]string `yaml:"api_keys"`
		CORSOrigins []string          `yaml:"cors_origins"`
		RateLimit   struct {
			Capacity int `yaml:"capacity"`
			Refill   int `yaml:"refill"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // postgres | mysql | memory
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
		DSN      string `yaml:"dsn"`
	} `yaml:"database"`

	Scan struct {
		CheckTimeout  time.Duration `yaml:"check_timeout"`
		StaleAfter    time.Duration `yaml:"stale_after"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		Mode          string        `yaml:"mode"` // async | sync
		AutoExport    bool          `yaml:"auto_export"`
	} `yaml:"scan"`

	Target struct {
		HTTPTimeout time.Duration `yaml:"http_timeout"`
		// MaxConnsPerProject caps concurrent SQL connections per target.
		MaxConnsPerProject int `yaml:"max_conns_per_project"`
	} `yaml:"target"`

	Minio struct {
		Endpoint   string        `yaml:"endpoint"`
		AccessKey  string        `yaml:"accessKey"`
		SecretKey  string        `yaml:"secretKey"`
		BucketName string        `yaml:"bucketName"`
		Region     string        `yaml:"region"`
		UseSSL     bool          `yaml:"useSSL"`
		PresignTTL time.Duration `yaml:"presignTTL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"openai"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load baca .env (kalau ada) lalu file config yaml, apply env override dan
// default. A missing config file is not an error; env and defaults still apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Database.DSN, "DATABASE_DSN")
	override(&c.Database.Driver, "DATABASE_DRIVER")
	override(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	override(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	override(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	override(&c.Logging.Level, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit.Capacity == 0 {
		c.Server.RateLimit.Capacity = 60
	}
	if c.Server.RateLimit.Refill == 0 {
		c.Server.RateLimit.Refill = 1
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Scan.CheckTimeout == 0 {
		c.Scan.CheckTimeout = 2 * time.Minute
	}
	if c.Scan.StaleAfter == 0 {
		c.Scan.StaleAfter = 15 * time.Minute
	}
	if c.Scan.SweepInterval == 0 {
		c.Scan.SweepInterval = time.Minute
	}
	if c.Scan.Mode == "" {
		c.Scan.Mode = "async"
	}
	if c.Target.HTTPTimeout == 0 {
		c.Target.HTTPTimeout = 30 * time.Second
	}
	if c.Target.MaxConnsPerProject == 0 {
		c.Target.MaxConnsPerProject = 2
	}
	if c.Minio.PresignTTL == 0 {
		c.Minio.PresignTTL = 24 * time.Hour
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Scan.Mode {
	case "async", "sync":
	default:
		return fmt.Errorf("config: scan.mode must be async or sync, got %q", c.Scan.Mode)
	}
	if c.Scan.CheckTimeout < 0 || c.Scan.StaleAfter < 0 {
		return errors.New("config: scan durations must not be negative")
	}
	// the sweeper must not fail a scan whose checks are still within budget
	if budget := time.Duration(len(domain.CheckOrder)) * c.Scan.CheckTimeout; c.Scan.StaleAfter > 0 && c.Scan.StaleAfter <= budget {
		return fmt.Errorf("config: scan.stale_after (%s) must exceed %d x scan.check_timeout (%s)",
			c.Scan.StaleAfter, len(domain.CheckOrder), budget)
	}
	return nil
}

// MinioEnabled reports whether report export is configured.
func (c *Config) MinioEnabled() bool { return c.Minio.Endpoint != "" }

// OpenAIEnabled reports whether the advisor is configured.
func (c *Config) OpenAIEnabled() bool { return c.OpenAI.APIKey != "" }

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}
