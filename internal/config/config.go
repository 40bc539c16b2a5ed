package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/lukium/kms-enclave/internal/endpoint"
)

// Config holds all application configuration.
type Config struct {
	Env     string `mapstructure:"env"`
	Storage StorageConfig
	Unlock  UnlockConfig
	Lease   LeaseConfig
	Push    PushConfig
}

// StorageConfig points at the durable sqlite file backing internal/storage.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// UnlockConfig carries the Unlock Manager's one tunable: the PBKDF2
// iteration count, which a deployment can raise over time without a code
// change.
type UnlockConfig struct {
	PBKDF2Iterations int `mapstructure:"pbkdf2_iterations"`
}

// LeaseConfig carries lease bounds: the TTL range a caller may request, and
// the token-issuance quota governing how fast a lease can mint new
// signatures. These values are loaded but not passed to lease.NewManager;
// the lease manager enforces its own built-in constants, which equal the
// defaults below.
type LeaseConfig struct {
	MinTTLHours            int     `mapstructure:"min_ttl_hours"`
	MaxTTLHours            int     `mapstructure:"max_ttl_hours"`
	TokensPerHour          int64   `mapstructure:"tokens_per_hour"`
	BurstCapacity          float64 `mapstructure:"burst_capacity"`
	EndpointSendsPerMinute int64   `mapstructure:"endpoint_sends_per_minute"`
}

// PushConfig carries the endpoint-binding hostname whitelist: a closed set
// of push-service hosts trusted at configuration time, not discovered or
// extended at runtime.
type PushConfig struct {
	Whitelist endpoint.Whitelist `mapstructure:"whitelist"`
}

// Load reads configuration from environment variables prefixed with
// KMSCORE_, falling back to the defaults below where the environment
// supplies nothing.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KMSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Storage defaults
	v.SetDefault("storage.path", "kms-enclave.sqlite")

	// Unlock defaults
	v.SetDefault("unlock.pbkdf2_iterations", 600_000)

	// Lease defaults
	v.SetDefault("lease.min_ttl_hours", 1)
	v.SetDefault("lease.max_ttl_hours", 720)
	v.SetDefault("lease.tokens_per_hour", 100)
	v.SetDefault("lease.burst_capacity", 20.0)
	v.SetDefault("lease.endpoint_sends_per_minute", 5)

	// Push defaults
	v.SetDefault("push.whitelist", []string(endpoint.DefaultWhitelist))

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Storage = StorageConfig{
		Path: v.GetString("storage.path"),
	}

	cfg.Unlock = UnlockConfig{
		PBKDF2Iterations: v.GetInt("unlock.pbkdf2_iterations"),
	}

	cfg.Lease = LeaseConfig{
		MinTTLHours:            v.GetInt("lease.min_ttl_hours"),
		MaxTTLHours:            v.GetInt("lease.max_ttl_hours"),
		TokensPerHour:          int64(v.GetInt("lease.tokens_per_hour")),
		BurstCapacity:          v.GetFloat64("lease.burst_capacity"),
		EndpointSendsPerMinute: int64(v.GetInt("lease.endpoint_sends_per_minute")),
	}

	cfg.Push = PushConfig{
		Whitelist: endpoint.Whitelist(v.GetStringSlice("push.whitelist")),
	}

	return cfg, nil
}
