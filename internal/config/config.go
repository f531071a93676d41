// Package config loads service settings from the environment and an optional
// config file.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`
	GRPCPort string `mapstructure:"GRPC_PORT"`

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	CartCacheTTL  time.Duration `mapstructure:"CART_CACHE_TTL"`

	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         int    `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	MigrationsPath string `mapstructure:"MIGRATIONS_PATH"`

	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	OrderEventsTopic  string        `mapstructure:"ORDER_EVENTS_TOPIC"`
	StuckSessionAfter time.Duration `mapstructure:"STUCK_SESSION_AFTER"`

	StripeSecretKey      string `mapstructure:"STRIPE_SECRET_KEY"`
	StripePublishableKey string `mapstructure:"STRIPE_PUBLISHABLE_KEY"`
	StripeWebhookSecret  string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	PublicURL            string `mapstructure:"PUBLIC_URL"`

	JWTAccessSecret string        `mapstructure:"JWT_ACCESS_SECRET"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	GatewayTimeout  time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	ShippingCost float64 `mapstructure:"SHIPPING_COST"`
	TaxRate      float64 `mapstructure:"TAX_RATE"`
	Currency     string  `mapstructure:"CURRENCY"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

var defaults = map[string]interface{}{
	"HTTP_PORT":              "8080",
	"GRPC_PORT":              "50060",
	"MONGO_URI":              "mongodb://localhost:27017",
	"MONGO_DB_NAME":          "forest",
	"REDIS_ADDR":             "localhost:6379",
	"REDIS_PASSWORD":         "",
	"CART_CACHE_TTL":         "15m",
	"DB_HOST":                "localhost",
	"DB_PORT":                5432,
	"DB_USER":                "postgres",
	"DB_PASSWORD":            "postgres",
	"DB_NAME":                "forest",
	"MIGRATIONS_PATH":        "./internal/sessions/migrations",
	"KAFKA_BROKERS":          []string{"localhost:9092"},
	"ORDER_EVENTS_TOPIC":     "order-events",
	"STUCK_SESSION_AFTER":    "10m",
	"STRIPE_SECRET_KEY":      "",
	"STRIPE_PUBLISHABLE_KEY": "",
	"STRIPE_WEBHOOK_SECRET":  "",
	"PUBLIC_URL":             "http://localhost:3000",
	"JWT_ACCESS_SECRET":      "",
	"ACCESS_TOKEN_TTL":       "15m",
	"GATEWAY_TIMEOUT":        "10s",
	"REQUEST_TIMEOUT":        "30s",
	"SHUTDOWN_TIMEOUT":       "10s",
	"SHIPPING_COST":          3.99,
	"TAX_RATE":               0.0775,
	"CURRENCY":               "usd",
	"LOG_LEVEL":              "info",
	"LOG_PRETTY":             false,
}

// Loader reads Config from the environment, overlaid on an optional file.
// Environment variables win over file values.
type Loader struct {
	v    *viper.Viper
	file string

	mu  sync.RWMutex
	cfg *Config
}

func NewLoader(file string) *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	}
	return &Loader{v: v, file: file}
}

func (l *Loader) Load() (*Config, error) {
	if l.file != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.file, err)
		}
	}
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the most recently loaded config.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch reloads the config file whenever it changes and hands the new config
// to onChange. Reloads that fail to decode keep the previous config. It is a
// no-op without a config file.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (c *Config) validate() error {
	if c.TaxRate < 0 || c.ShippingCost < 0 {
		return fmt.Errorf("pricing: negative SHIPPING_COST or TAX_RATE")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is empty")
	}
	return nil
}

// RequireSecrets reports the first missing secret needed to serve traffic.
func (c *Config) RequireSecrets() error {
	switch {
	case c.StripeSecretKey == "":
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	case c.StripeWebhookSecret == "":
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	case c.JWTAccessSecret == "":
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	return nil
}
