// Package config resolves process configuration once at startup.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "MARKET"

const (
	StoreMemory   = "memory"
	StoreSqlite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	NodeId     int64

	StoreDriver string
	StoreDSN    string
	SeedDemo    bool

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	GatewayBaseURL   string
	GatewayKeyId     string
	GatewayKeySecret string
	GatewayTimeout   time.Duration
	Currency         string

	Escrow EscrowConfig

	AdminToken    string
	RetryInterval time.Duration
}

type EscrowConfig struct {
	Address  string
	RPCURL   string
	AdminKey string
	Timeout  time.Duration
}

// Enabled reports whether all escrow settings are present.
func (e EscrowConfig) Enabled() bool {
	return e.Address != "" && e.RPCURL != "" && e.AdminKey != ""
}

func (e EscrowConfig) partial() bool {
	set := 0
	for _, v := range []string{e.Address, e.RPCURL, e.AdminKey} {
		if v != "" {
			set++
		}
	}
	return set > 0 && set < 3
}

// Load reads envFile when it exists, then the MARKET_* environment. Variables already in the
// environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", 1)
	v.SetDefault("store_driver", StoreMemory)
	v.SetDefault("seed_demo", true)
	v.SetDefault("lock_ttl", 15*time.Minute)
	v.SetDefault("gateway_base_url", "https://api.razorpay.com/v1")
	v.SetDefault("gateway_timeout", 10*time.Second)
	v.SetDefault("currency", "INR")
	v.SetDefault("escrow_timeout", 60*time.Second)
	v.SetDefault("retry_interval", time.Minute)

	cfg := &Config{
		ListenAddr:       strings.TrimSpace(v.GetString("listen_addr")),
		LogLevel:         strings.TrimSpace(v.GetString("log_level")),
		NodeId:           v.GetInt64("node_id"),
		StoreDriver:      strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		StoreDSN:         strings.TrimSpace(v.GetString("store_dsn")),
		SeedDemo:         v.GetBool("seed_demo"),
		RedisAddr:        strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:    v.GetString("redis_password"),
		LockTTL:          v.GetDuration("lock_ttl"),
		GatewayBaseURL:   strings.TrimSpace(v.GetString("gateway_base_url")),
		GatewayKeyId:     strings.TrimSpace(v.GetString("gateway_key_id")),
		GatewayKeySecret: strings.TrimSpace(v.GetString("gateway_key_secret")),
		GatewayTimeout:   v.GetDuration("gateway_timeout"),
		Currency:         strings.ToUpper(strings.TrimSpace(v.GetString("currency"))),
		Escrow: EscrowConfig{
			Address:  strings.TrimSpace(v.GetString("escrow_address")),
			RPCURL:   strings.TrimSpace(v.GetString("escrow_rpc_url")),
			AdminKey: strings.TrimSpace(v.GetString("escrow_admin_key")),
			Timeout:  v.GetDuration("escrow_timeout"),
		},
		AdminToken:    strings.TrimSpace(v.GetString("admin_token")),
		RetryInterval: v.GetDuration("retry_interval"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var missing []string
	if c.GatewayKeyId == "" {
		missing = append(missing, EnvPrefix+"_GATEWAY_KEY_ID")
	}
	if c.GatewayKeySecret == "" {
		missing = append(missing, EnvPrefix+"_GATEWAY_KEY_SECRET")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Escrow.partial() {
		return errors.Errorf("escrow needs %[1]s_ESCROW_ADDRESS, %[1]s_ESCROW_RPC_URL and %[1]s_ESCROW_ADMIN_KEY together", EnvPrefix)
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreSqlite, StorePostgres:
		if c.StoreDSN == "" {
			return errors.Errorf("%s_STORE_DSN is required for store driver %s", EnvPrefix, c.StoreDriver)
		}
	default:
		return errors.Errorf("unknown store driver %q", c.StoreDriver)
	}

	for name, d := range map[string]time.Duration{
		"LOCK_TTL":        c.LockTTL,
		"GATEWAY_TIMEOUT": c.GatewayTimeout,
		"ESCROW_TIMEOUT":  c.Escrow.Timeout,
		"RETRY_INTERVAL":  c.RetryInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s_%s must be positive", EnvPrefix, name)
		}
	}
	if c.NodeId < 0 || c.NodeId > 1023 {
		return errors.Errorf("%s_NODE_ID must be within [0, 1023]", EnvPrefix)
	}
	return nil
}
