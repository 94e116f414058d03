// Package config loads service and agent settings with viper.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"

	"triggerpay/lifecycle"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	LevelDB LevelDBConfig `mapstructure:"leveldb"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Auth    AuthConfig    `mapstructure:"auth"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Agent   AgentConfig   `mapstructure:"agent"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	ContractOwner   string        `mapstructure:"contract_owner"`
	MinimumDeposit  string        `mapstructure:"minimum_deposit"`
	RetentionFee    string        `mapstructure:"retention_fee"`
	ExpiryHorizon   time.Duration `mapstructure:"expiry_horizon"`
	AttestorSubject string        `mapstructure:"attestor_subject"`
	KeyVersion      uint32        `mapstructure:"key_version"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SignSubject   string `mapstructure:"sign_subject"`
	RefundSubject string `mapstructure:"refund_subject"`
}

type AgentConfig struct {
	EngineURL         string        `mapstructure:"engine_url"`
	FlightAPIURL      string        `mapstructure:"flight_api_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SigningSeed       string        `mapstructure:"signing_seed"`
	Token             string        `mapstructure:"token"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/triggerpay")
	v.SetDefault("engine.contract_owner", "")
	v.SetDefault("engine.minimum_deposit", "1000000000000000000000000")
	v.SetDefault("engine.retention_fee", "200000000000000000000000")
	v.SetDefault("engine.expiry_horizon", "720h")
	v.SetDefault("engine.attestor_subject", "")
	v.SetDefault("engine.key_version", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.sign_subject", "triggerpay.sign.request")
	v.SetDefault("nats.refund_subject", "triggerpay.ledger.refund")
	v.SetDefault("agent.engine_url", "http://localhost:8080")
	v.SetDefault("agent.flight_api_url", "http://localhost:3000")
	v.SetDefault("agent.poll_interval", "30s")
	v.SetDefault("agent.signing_seed", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.requests_per_second", 2)
	v.SetDefault("agent.burst", 4)
}

// Load reads path (when non-empty) over the defaults, then TRIGGERPAY_* environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRIGGERPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Lifecycle converts the engine section into lifecycle parameters
func (c EngineConfig) Lifecycle() (lifecycle.Config, error) {
	minimum, ok := new(big.Int).SetString(c.MinimumDeposit, 10)
	if !ok || minimum.Sign() < 0 {
		return lifecycle.Config{}, fmt.Errorf("engine.minimum_deposit %q is not a non-negative integer", c.MinimumDeposit)
	}
	fee, ok := new(big.Int).SetString(c.RetentionFee, 10)
	if !ok || fee.Sign() < 0 {
		return lifecycle.Config{}, fmt.Errorf("engine.retention_fee %q is not a non-negative integer", c.RetentionFee)
	}
	if c.ExpiryHorizon <= 0 {
		return lifecycle.Config{}, fmt.Errorf("engine.expiry_horizon must be positive, got %s", c.ExpiryHorizon)
	}
	return lifecycle.Config{MinimumDeposit: minimum, RetentionFee: fee, ExpiryHorizon: c.ExpiryHorizon}, nil
}
