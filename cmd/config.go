package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mikills/shoplog/docstore"
)

// Config is the full runtime configuration. Values come from an optional TOML
// file and are then overridden by SHOPLOG_* environment variables.
type Config struct {
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	Backend   string `toml:"backend"`
	Root      string `toml:"root"`

	Contents ContentsConfig `toml:"contents"`
	Local    LocalConfig    `toml:"local"`
	S3       S3Config       `toml:"s3"`
	Mongo    MongoConfig    `toml:"mongo"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Cache    CacheConfig    `toml:"cache"`
	Writes   WritesConfig   `toml:"writes"`
	Lease    LeaseConfig    `toml:"lease"`
}

type ContentsConfig struct {
	BaseURL        string   `toml:"base_url"`
	Branch         string   `toml:"branch"`
	Token          string   `toml:"token"`
	RequestTimeout Duration `toml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries"`
}

type LocalConfig struct {
	Root string `toml:"root"`
}

type S3Config struct {
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

type MongoConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type CacheConfig struct {
	TTL         Duration `toml:"ttl"`
	NotFoundTTL Duration `toml:"not_found_ttl"`
}

type WritesConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

type LeaseConfig struct {
	Kind        string   `toml:"kind"`
	RedisAddr   string   `toml:"redis_addr"`
	RedisPrefix string   `toml:"redis_prefix"`
	TTL         Duration `toml:"ttl"`
	Wait        Duration `toml:"wait"`
}

// Duration decodes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() Config {
	return Config{
		LogFormat: "text",
		HTTPAddr:  "127.0.0.1:8080",
		Backend:   "local",
		Root:      docstore.DefaultRoot,
		Contents: ContentsConfig{
			Branch:         "main",
			RequestTimeout: Duration{10 * time.Second},
			MaxRetries:     4,
		},
		Local:  LocalConfig{Root: "./.temp/blobs"},
		S3:     S3Config{Region: "us-east-1"},
		Mongo:  MongoConfig{Database: "shoplog", Collection: "documents"},
		SQLite: SQLiteConfig{Path: "./.temp/shoplog.db"},
		Cache: CacheConfig{
			TTL:         Duration{docstore.DefaultCacheTTL},
			NotFoundTTL: Duration{docstore.DefaultCacheNotFoundTTL},
		},
		Writes: WritesConfig{MaxAttempts: docstore.DefaultMaxWriteAttempts},
		Lease: LeaseConfig{
			Kind:        "memory",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "shoplog:lease:",
			TTL:         Duration{30 * time.Second},
			Wait:        Duration{5 * time.Second},
		},
	}
}

// LoadConfig reads path (if non-empty) over the defaults, applies environment
// overrides from getenv and validates the result.
func LoadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dest *string) error {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dest = v
		}
		return nil
	}
	setInt := func(key string, dest *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
		*dest = n
		return nil
	}
	setDuration := func(key string, dest *Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
		dest.Duration = d
		return nil
	}

	return errors.Join(
		setString("SHOPLOG_LOG_FORMAT", &c.LogFormat),
		setString("SHOPLOG_HTTP_ADDR", &c.HTTPAddr),
		setString("SHOPLOG_BACKEND", &c.Backend),
		setString("SHOPLOG_ROOT", &c.Root),
		setString("SHOPLOG_CONTENTS_URL", &c.Contents.BaseURL),
		setString("SHOPLOG_CONTENTS_BRANCH", &c.Contents.Branch),
		setString("SHOPLOG_CONTENTS_TOKEN", &c.Contents.Token),
		setDuration("SHOPLOG_CONTENTS_TIMEOUT", &c.Contents.RequestTimeout),
		setInt("SHOPLOG_CONTENTS_MAX_RETRIES", &c.Contents.MaxRetries),
		setString("SHOPLOG_LOCAL_ROOT", &c.Local.Root),
		setString("SHOPLOG_S3_BUCKET", &c.S3.Bucket),
		setString("SHOPLOG_S3_PREFIX", &c.S3.Prefix),
		setString("SHOPLOG_S3_REGION", &c.S3.Region),
		setString("SHOPLOG_S3_ENDPOINT", &c.S3.Endpoint),
		setString("SHOPLOG_MONGO_URI", &c.Mongo.URI),
		setString("SHOPLOG_MONGO_DB", &c.Mongo.Database),
		setString("SHOPLOG_MONGO_COLLECTION", &c.Mongo.Collection),
		setString("SHOPLOG_SQLITE_PATH", &c.SQLite.Path),
		setDuration("SHOPLOG_CACHE_TTL", &c.Cache.TTL),
		setDuration("SHOPLOG_CACHE_NOT_FOUND_TTL", &c.Cache.NotFoundTTL),
		setInt("SHOPLOG_MAX_WRITE_ATTEMPTS", &c.Writes.MaxAttempts),
		setString("SHOPLOG_LEASE_KIND", &c.Lease.Kind),
		setString("SHOPLOG_REDIS_ADDR", &c.Lease.RedisAddr),
		setString("SHOPLOG_REDIS_PREFIX", &c.Lease.RedisPrefix),
		setDuration("SHOPLOG_LEASE_TTL", &c.Lease.TTL),
		setDuration("SHOPLOG_LEASE_WAIT", &c.Lease.Wait),
	)
}

// Validate checks that the selected backend and lease kind are fully
// configured.
func (c Config) Validate() error {
	var errs []error
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}

	switch c.Backend {
	case BackendContents:
		if c.Contents.BaseURL == "" {
			errs = append(errs, errors.New("contents.base_url is required for the contents backend"))
		}
	case BackendLocal:
		if c.Local.Root == "" {
			errs = append(errs, errors.New("local.root is required for the local backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for the s3 backend"))
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required for the mongo backend"))
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (valid: contents, local, s3, mongo, sqlite, memory)", c.Backend))
	}

	switch c.Lease.Kind {
	case LeaseNone, LeaseMemory:
	case LeaseRedis:
		if c.Lease.RedisAddr == "" {
			errs = append(errs, errors.New("lease.redis_addr is required for redis leases"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lease kind %q (valid: none, memory, redis)", c.Lease.Kind))
	}

	if c.Writes.MaxAttempts <= 0 {
		errs = append(errs, errors.New("writes.max_attempts must be > 0"))
	}
	return errors.Join(errs...)
}
