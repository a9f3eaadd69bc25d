package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion = 1
	DefaultPath   = "/etc/melsync/config.yaml"

	DefaultGRPCAddr        = "0.0.0.0:9000"
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultTokenDir        = "/var/lib/melsync/tokens"
	DefaultTokenPrefix     = "melsync/tokens"
	DefaultListingInterval = 59 * time.Second
	DefaultAccountInterval = 5 * time.Minute
	DefaultSetDebounce     = time.Second
	DefaultPollInterval    = time.Minute
	DefaultRequestTimeout  = 15 * time.Second
	DefaultRequestsPerMin  = 30
	DefaultMQTTTopicPrefix = "melsync"
	DefaultInfluxBatchSize = 100

	EnvEmail    = "MELSYNC_EMAIL"
	EnvPassword = "MELSYNC_PASSWORD"
)

type Config struct {
	SchemaVersion int              `yaml:"schema_version"`
	MELCloud      MELCloudConfig   `yaml:"melcloud"`
	Session       SessionConfig    `yaml:"session"`
	Device        DeviceConfig     `yaml:"device"`
	Rate          RateConfig       `yaml:"rate"`
	TokenStore    TokenStoreConfig `yaml:"token_store"`
	MQTT          MQTTConfig       `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig   `yaml:"influxdb"`
	Server        ServerConfig     `yaml:"server"`
	Logging       LoggingConfig    `yaml:"logging"`
}

type MELCloudConfig struct {
	Email          string        `yaml:"email"`
	Password       string        `yaml:"password"`
	PasswordFile   string        `yaml:"password_file"`
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SessionConfig struct {
	ListingInterval time.Duration `yaml:"listing_interval"`
	AccountInterval time.Duration `yaml:"account_interval"`
}

type DeviceConfig struct {
	SetDebounce  time.Duration `yaml:"set_debounce"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RateConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	RequestsPerDay    int  `yaml:"requests_per_day"`
	Burst             int  `yaml:"burst"`
	Wait              bool `yaml:"wait"`
}

// TokenStoreConfig selects where the login session is persisted. With an S3
// endpoint the token is mirrored to the bucket, otherwise to Dir.
type TokenStoreConfig struct {
	Dir           string `yaml:"dir"`
	S3Endpoint    string `yaml:"s3_endpoint"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix"`
	S3Region      string `yaml:"s3_region"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
}

func (t TokenStoreConfig) UsesS3() bool {
	return t.S3Endpoint != ""
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TopicPrefix  string `yaml:"topic_prefix"`
	QoS          byte   `yaml:"qos"`
	Retain       bool   `yaml:"retain"`
}

type InfluxDBConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TokenFile string `yaml:"token_file"`
	Org       string `yaml:"org"`
	Bucket    string `yaml:"bucket"`
	BatchSize uint   `yaml:"batch_size"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load parses the YAML config file, applies environment overrides and
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvEmail)); v != "" {
		cfg.MELCloud.Email = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.MELCloud.Password = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.MELCloud.RequestTimeout == 0 {
		cfg.MELCloud.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Session.ListingInterval == 0 {
		cfg.Session.ListingInterval = DefaultListingInterval
	}
	if cfg.Session.AccountInterval == 0 {
		cfg.Session.AccountInterval = DefaultAccountInterval
	}
	if cfg.Device.SetDebounce == 0 {
		cfg.Device.SetDebounce = DefaultSetDebounce
	}
	if cfg.Device.PollInterval == 0 {
		cfg.Device.PollInterval = DefaultPollInterval
	}
	if cfg.Rate.RequestsPerMinute == 0 {
		cfg.Rate.RequestsPerMinute = DefaultRequestsPerMin
	}
	if cfg.TokenStore.UsesS3() {
		if cfg.TokenStore.S3Prefix == "" {
			cfg.TokenStore.S3Prefix = DefaultTokenPrefix
		}
	} else if cfg.TokenStore.Dir == "" {
		cfg.TokenStore.Dir = DefaultTokenDir
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if cfg.InfluxDB.BatchSize == 0 {
		cfg.InfluxDB.BatchSize = DefaultInfluxBatchSize
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.MELCloud.Email == "" {
		return fmt.Errorf("melcloud.email is required")
	}
	if cfg.MELCloud.Password == "" && cfg.MELCloud.PasswordFile == "" {
		return fmt.Errorf("melcloud.password or melcloud.password_file is required")
	}
	if cfg.Session.ListingInterval < 0 || cfg.Session.AccountInterval < 0 {
		return fmt.Errorf("session intervals must be positive")
	}
	if cfg.Device.SetDebounce < 0 || cfg.Device.PollInterval < 0 {
		return fmt.Errorf("device durations must be positive")
	}
	if cfg.Rate.RequestsPerMinute < 0 || cfg.Rate.RequestsPerDay < 0 || cfg.Rate.Burst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if cfg.TokenStore.UsesS3() {
		if cfg.TokenStore.S3Bucket == "" {
			return fmt.Errorf("token_store.s3_bucket is required")
		}
		if cfg.TokenStore.AccessKeyFile == "" {
			return fmt.Errorf("token_store.access_key_file is required")
		}
		if cfg.TokenStore.SecretKeyFile == "" {
			return fmt.Errorf("token_store.secret_key_file is required")
		}
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.InfluxDB.Enabled {
		if cfg.InfluxDB.URL == "" {
			return fmt.Errorf("influxdb.url is required")
		}
		if cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb.org and influxdb.bucket are required")
		}
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

// Password resolves the MELCloud password from config or password_file.
func (c *Config) Password() (string, error) {
	if c.MELCloud.Password != "" {
		return c.MELCloud.Password, nil
	}
	return ReadSecretFile(c.MELCloud.PasswordFile)
}

// ReadSecretFile reads a file holding a single secret. An empty path yields
// an empty secret.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
