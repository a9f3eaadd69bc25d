package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
schema_version: 1
melcloud:
  email: user@example.com
  password: secret
`

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv(EnvEmail, "")
	t.Setenv(EnvPassword, "")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, DefaultListingInterval, cfg.Session.ListingInterval)
	assert.Equal(t, DefaultAccountInterval, cfg.Session.AccountInterval)
	assert.Equal(t, DefaultSetDebounce, cfg.Device.SetDebounce)
	assert.Equal(t, DefaultPollInterval, cfg.Device.PollInterval)
	assert.Equal(t, DefaultRequestsPerMin, cfg.Rate.RequestsPerMinute)
	assert.Equal(t, DefaultTokenDir, cfg.TokenStore.Dir)
	assert.Equal(t, DefaultGRPCAddr, cfg.Server.GRPCAddr)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseDurationsAndSections(t *testing.T) {
	t.Setenv(EnvEmail, "")
	t.Setenv(EnvPassword, "")

	cfg, err := Parse([]byte(minimal + `
session:
  listing_interval: 2m
device:
  set_debounce: 500ms
token_store:
  s3_endpoint: https://minio.local
  s3_bucket: melsync
  access_key_file: /run/secrets/access
  secret_key_file: /run/secrets/secret
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  qos: 1
influxdb:
  enabled: true
  url: http://localhost:8086
  org: home
  bucket: climate
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Session.ListingInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Device.SetDebounce)
	assert.True(t, cfg.TokenStore.UsesS3())
	assert.Equal(t, DefaultTokenPrefix, cfg.TokenStore.S3Prefix)
	assert.Empty(t, cfg.TokenStore.Dir)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.EqualValues(t, DefaultInfluxBatchSize, cfg.InfluxDB.BatchSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvEmail, "env@example.com")
	t.Setenv(EnvPassword, "from-env")

	cfg, err := Parse([]byte("schema_version: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.MELCloud.Email)

	password, err := cfg.Password()
	require.NoError(t, err)
	assert.Equal(t, "from-env", password)
}

func TestValidate(t *testing.T) {
	t.Setenv(EnvEmail, "")
	t.Setenv(EnvPassword, "")

	cases := map[string]string{
		"schema":        "schema_version: 2\nmelcloud: {email: a, password: b}\n",
		"email":         "schema_version: 1\nmelcloud: {password: b}\n",
		"password":      "schema_version: 1\nmelcloud: {email: a}\n",
		"mqtt broker":   minimal + "mqtt: {enabled: true}\n",
		"mqtt qos":      minimal + "mqtt: {enabled: true, broker: tcp://x:1883, qos: 3}\n",
		"influx bucket": minimal + "influxdb: {enabled: true, url: http://x, org: o}\n",
		"s3 bucket":     minimal + "token_store: {s3_endpoint: http://x}\n",
		"log format":    minimal + "logging: {format: xml}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndPasswordFile(t *testing.T) {
	t.Setenv(EnvEmail, "")
	t.Setenv(EnvPassword, "")

	dir := t.TempDir()
	secret := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(secret, []byte("file-secret\n"), 0o600))
	path := filepath.Join(dir, "config.yaml")
	doc := "schema_version: 1\nmelcloud:\n  email: a@b\n  password_file: " + secret + "\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	password, err := cfg.Password()
	require.NoError(t, err)
	assert.Equal(t, "file-secret", password)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
