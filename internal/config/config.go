package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Provider  ProviderConfig  `yaml:"provider"`
	Admin     AdminConfig     `yaml:"admin"`
	RTP       RTPConfig       `yaml:"rtp"`
	GGR       GGRConfig       `yaml:"ggr"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	Serializable bool   `yaml:"serializable"`
	MaxRetries   int    `yaml:"max_retries"`
}

type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	CatalogTTL time.Duration `yaml:"catalog_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ProviderConfig describes the single game provider integration served by /callback.
type ProviderConfig struct {
	Secret   string `yaml:"secret"`
	Category string `yaml:"category"`
	Currency string `yaml:"currency"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

// RTPConfig seeds the first RtpSetting row when the history is empty.
type RTPConfig struct {
	TargetProfitPercent float64 `yaml:"target_profit_percent"`
	EffectiveRTP        float64 `yaml:"effective_rtp"`
	Mode                string  `yaml:"mode"`
}

// GGRConfig seeds the GgrFilterSetting row when it does not exist.
type GGRConfig struct {
	FilterPercent float64 `yaml:"filter_percent"`
	Tolerance     float64 `yaml:"tolerance"`
}

type JobsConfig struct {
	RTPAdjustSpec   string        `yaml:"rtp_adjust_spec"`
	RTPPeriod       time.Duration `yaml:"rtp_period"`
	GGRReportSpec   string        `yaml:"ggr_report_spec"`
	GGRPeriod       time.Duration `yaml:"ggr_period"`
	ReconcileSpec   string        `yaml:"reconcile_spec"`
	ReconcilePeriod time.Duration `yaml:"reconcile_period"`
	OutboxInterval  time.Duration `yaml:"outbox_interval"`
	OutboxBatch     int           `yaml:"outbox_batch"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the values used for anything the yaml file leaves out.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second},
		Postgres:  PostgresConfig{MaxOpenConns: 50, MaxIdleConns: 10, Serializable: true, MaxRetries: 3},
		Redis:     RedisConfig{Addr: "localhost:6379", CatalogTTL: 30 * time.Second},
		Kafka:     KafkaConfig{Topic: "settlement-events"},
		RateLimit: RateLimitConfig{RPS: 200, Burst: 400},
		Provider:  ProviderConfig{Category: "slots", Currency: "USD"},
		RTP:       RTPConfig{TargetProfitPercent: 5, EffectiveRTP: 95, Mode: "manual"},
		GGR:       GGRConfig{FilterPercent: 1, Tolerance: 0},
		Jobs: JobsConfig{
			RTPAdjustSpec:   "@hourly",
			RTPPeriod:       24 * time.Hour,
			GGRReportSpec:   "@daily",
			GGRPeriod:       24 * time.Hour,
			ReconcileSpec:   "@every 30m",
			ReconcilePeriod: time.Hour,
			OutboxInterval:  time.Second,
			OutboxBatch:     100,
		},
		Log: LogConfig{Level: "info"},
	}
}

func applyEnv(cfg *Config) {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if s := os.Getenv("PROVIDER_SECRET"); s != "" {
		cfg.Provider.Secret = s
	}
	if t := os.Getenv("ADMIN_TOKEN"); t != "" {
		cfg.Admin.Token = t
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Provider.Secret == "" {
		return fmt.Errorf("provider.secret is required")
	}
	if c.Provider.Category == "" {
		return fmt.Errorf("provider.category is required")
	}
	if c.RTP.EffectiveRTP < 50 || c.RTP.EffectiveRTP > 99 {
		return fmt.Errorf("rtp.effective_rtp must be within [50, 99], got %v", c.RTP.EffectiveRTP)
	}
	if c.GGR.FilterPercent < 0 || c.GGR.FilterPercent > 1 || c.GGR.Tolerance < 0 || c.GGR.Tolerance > 1 {
		return fmt.Errorf("ggr.filter_percent and ggr.tolerance must be within [0, 1]")
	}
	return nil
}
