package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Checkout  CheckoutConfig  `mapstructure:"checkout"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig is the scheduler's gRPC health endpoint.
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int           `mapstructure:"lease_ttl"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	PoolSize      int           `mapstructure:"pool_size"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	OrderCacheTTL time.Duration `mapstructure:"order_cache_ttl"`
}

type MongoDBConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// GatewayConfig is the public HTTP API.
type GatewayConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Encoding    string   `mapstructure:"encoding"`
	OutputPaths []string `mapstructure:"output_paths"`
}

const (
	StorageMongo  = "mongo"
	StorageMemory = "memory"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// PaymentConfig configures the redirect payment gateway.
type PaymentConfig struct {
	TmnCode         string        `mapstructure:"tmn_code"`
	HashSecret      string        `mapstructure:"hash_secret"`
	PayURL          string        `mapstructure:"pay_url"`
	ReturnURL       string        `mapstructure:"return_url"`
	TopUpReturnURL  string        `mapstructure:"topup_return_url"`
	AmountScale     int64         `mapstructure:"amount_scale"`
	Locale          string        `mapstructure:"locale"`
	OrderType       string        `mapstructure:"order_type"`
	ExpireAfter     time.Duration `mapstructure:"expire_after"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
}

type CheckoutConfig struct {
	ShippingFee int64         `mapstructure:"shipping_fee"`
	PaymentTTL  time.Duration `mapstructure:"payment_ttl"`
}

type WalletConfig struct {
	TopUpTTL      time.Duration `mapstructure:"topup_ttl"`
	MinTopUp      int64         `mapstructure:"min_topup"`
	MinWithdrawal int64         `mapstructure:"min_withdrawal"`
}

type SchedulerConfig struct {
	BatchSize               int64         `mapstructure:"batch_size"`
	ItemTimeout             time.Duration `mapstructure:"item_timeout"`
	SweepTimeout            time.Duration `mapstructure:"sweep_timeout"`
	ExpiryInterval          time.Duration `mapstructure:"expiry_interval"`
	DeliveryFailureInterval time.Duration `mapstructure:"delivery_failure_interval"`
	CompletionInterval      time.Duration `mapstructure:"completion_interval"`
	EffectsInterval         time.Duration `mapstructure:"effects_interval"`
	TopUpExpiryInterval     time.Duration `mapstructure:"topup_expiry_interval"`
	MaxDeliveryFailures     int           `mapstructure:"max_delivery_failures"`
	ReturnWindow            time.Duration `mapstructure:"return_window"`
	ElectionName            string        `mapstructure:"election_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "bookworld-scheduler")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50051)

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/bookworld/services/")
	v.SetDefault("etcd.lease_ttl", 30)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("redis.order_cache_ttl", 5*time.Minute)

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "bookworld")
	v.SetDefault("mongodb.connect_timeout", 10*time.Second)

	v.SetDefault("kafka.topic", "order-status")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.read_timeout", 15*time.Second)
	v.SetDefault("gateway.write_timeout", 15*time.Second)
	v.SetDefault("gateway.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})

	v.SetDefault("storage.driver", StorageMongo)

	v.SetDefault("payment.pay_url", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html")
	v.SetDefault("payment.amount_scale", 100)
	v.SetDefault("payment.locale", "vn")
	v.SetDefault("payment.order_type", "billpayment")
	v.SetDefault("payment.expire_after", 15*time.Minute)
	v.SetDefault("payment.callback_timeout", 10*time.Second)

	v.SetDefault("checkout.shipping_fee", 30000)
	v.SetDefault("checkout.payment_ttl", 15*time.Minute)

	v.SetDefault("wallet.topup_ttl", 15*time.Minute)
	v.SetDefault("wallet.min_topup", 10000)
	v.SetDefault("wallet.min_withdrawal", 50000)

	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.item_timeout", 5*time.Second)
	v.SetDefault("scheduler.sweep_timeout", 2*time.Minute)
	v.SetDefault("scheduler.expiry_interval", time.Minute)
	v.SetDefault("scheduler.delivery_failure_interval", 5*time.Minute)
	v.SetDefault("scheduler.completion_interval", time.Hour)
	v.SetDefault("scheduler.effects_interval", time.Minute)
	v.SetDefault("scheduler.topup_expiry_interval", time.Minute)
	v.SetDefault("scheduler.max_delivery_failures", 2)
	v.SetDefault("scheduler.return_window", 72*time.Hour)
	v.SetDefault("scheduler.election_name", "scheduler-leader")
}

// Load reads the YAML file at configPath. Any key can be overridden from the
// environment, e.g. BOOKWORLD_PAYMENT_HASH_SECRET.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("bookworld")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns the built-in defaults without reading a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// Defaults are static, so decoding cannot fail.
	_ = v.Unmarshal(&config)
	return &config
}

// Validate checks that the configuration can run the engine.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageMongo:
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("mongodb.uri is required"))
		}
		if c.MongoDB.Database == "" {
			errs = append(errs, errors.New("mongodb.database is required"))
		}
		if c.Payment.HashSecret == "" {
			errs = append(errs, errors.New("payment.hash_secret is required"))
		}
		if c.Payment.TmnCode == "" {
			errs = append(errs, errors.New("payment.tmn_code is required"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q", StorageMongo, StorageMemory, c.Storage.Driver))
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Payment.AmountScale <= 0 {
		errs = append(errs, errors.New("payment.amount_scale must be positive"))
	}
	if c.Payment.CallbackTimeout <= 0 {
		errs = append(errs, errors.New("payment.callback_timeout must be positive"))
	}
	if c.Checkout.ShippingFee < 0 {
		errs = append(errs, errors.New("checkout.shipping_fee cannot be negative"))
	}
	if c.Checkout.PaymentTTL <= 0 {
		errs = append(errs, errors.New("checkout.payment_ttl must be positive"))
	}
	if c.Wallet.TopUpTTL <= 0 {
		errs = append(errs, errors.New("wallet.topup_ttl must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}

	s := c.Scheduler
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}
	if s.ItemTimeout <= 0 || s.SweepTimeout <= 0 {
		errs = append(errs, errors.New("scheduler timeouts must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"expiry_interval":           s.ExpiryInterval,
		"delivery_failure_interval": s.DeliveryFailureInterval,
		"completion_interval":       s.CompletionInterval,
		"effects_interval":          s.EffectsInterval,
		"topup_expiry_interval":     s.TopUpExpiryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s must be positive", name))
		}
	}
	if s.MaxDeliveryFailures < 1 {
		errs = append(errs, errors.New("scheduler.max_delivery_failures must be at least 1"))
	}
	if s.ReturnWindow <= 0 {
		errs = append(errs, errors.New("scheduler.return_window must be positive"))
	}

	return errors.Join(errs...)
}
