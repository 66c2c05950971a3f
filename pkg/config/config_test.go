package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
gateway:
  port: 9090
payment:
  tmn_code: TESTCODE
  hash_secret: secret
  amount_scale: 100
checkout:
  shipping_fee: 25000
  payment_ttl: 10m
scheduler:
  max_delivery_failures: 3
  return_window: 48h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 9090, cfg.Gateway.Port)
	assert.Equal(t, "TESTCODE", cfg.Payment.TmnCode)
	assert.Equal(t, int64(25000), cfg.Checkout.ShippingFee)
	assert.Equal(t, 10*time.Minute, cfg.Checkout.PaymentTTL)
	assert.Equal(t, 3, cfg.Scheduler.MaxDeliveryFailures)
	assert.Equal(t, 48*time.Hour, cfg.Scheduler.ReturnWindow)

	// untouched keys keep their defaults
	assert.Equal(t, time.Minute, cfg.Scheduler.ExpiryInterval)
	assert.Equal(t, "order-status", cfg.Kafka.Topic)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")
	t.Setenv("BOOKWORLD_CHECKOUT_SHIPPING_FEE", "15000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), cfg.Checkout.ShippingFee)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "memory defaults are valid",
			mutate: func(c *Config) { c.Storage.Driver = StorageMemory },
		},
		{
			name:    "mongo requires payment secret",
			mutate:  func(c *Config) { c.Payment.TmnCode = "CODE" },
			wantErr: "payment.hash_secret is required",
		},
		{
			name: "unknown driver",
			mutate: func(c *Config) {
				c.Storage.Driver = "postgres"
			},
			wantErr: "storage.driver must be",
		},
		{
			name: "zero amount scale",
			mutate: func(c *Config) {
				c.Storage.Driver = StorageMemory
				c.Payment.AmountScale = 0
			},
			wantErr: "payment.amount_scale must be positive",
		},
		{
			name: "kafka without brokers",
			mutate: func(c *Config) {
				c.Storage.Driver = StorageMemory
				c.Kafka.Enabled = true
			},
			wantErr: "kafka.brokers is required",
		},
		{
			name: "delivery failures below one",
			mutate: func(c *Config) {
				c.Storage.Driver = StorageMemory
				c.Scheduler.MaxDeliveryFailures = 0
			},
			wantErr: "scheduler.max_delivery_failures must be at least 1",
		},
		{
			name: "gateway port out of range",
			mutate: func(c *Config) {
				c.Storage.Driver = StorageMemory
				c.Gateway.Port = 70000
			},
			wantErr: "gateway.port 70000 is out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Encoding: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
