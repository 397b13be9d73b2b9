// Package config loads server configuration from the environment. The
// variable names match the original ETRAP deployment surface, so existing
// deployments keep working unchanged.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/etrap-labs/etrap-go/internal/near"
	"github.com/etrap-labs/etrap-go/pkg/retry"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	// ETRAP_* variables, as the original server reads them.
	Organization string        // ETRAP_ORGANIZATION (required)
	Network      string        // ETRAP_NETWORK, default testnet
	RPCEndpoint  string        // ETRAP_RPC_ENDPOINT, optional override
	Timeout      time.Duration // ETRAP_TIMEOUT seconds, default 30
	CacheTTL     time.Duration // ETRAP_CACHE_TTL seconds, default 300
	MaxRetries   int           // ETRAP_MAX_RETRIES, default 3

	// AWS_* variables for object storage.
	AWSRegion          string // AWS_DEFAULT_REGION, default us-west-2
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID, optional (default chain otherwise)
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY

	// Engine tunables.
	Workers          int     // ETRAP_WORKERS
	MaxUnconstrained int     // ETRAP_MAX_UNCONSTRAINED
	TieMargin        float64 // ETRAP_TIE_MARGIN
	HashScanLimit    int     // ETRAP_HASH_SCAN_LIMIT
	CacheCapacity    int     // ETRAP_CACHE_CAPACITY
	RPCRateLimit     float64 // ETRAP_RPC_RATE_LIMIT

	// HTTP transport.
	RateLimitRPS int      // ETRAP_HTTP_RATE_LIMIT_RPS, per client IP
	CORSOrigins  []string // ETRAP_CORS_ORIGINS, comma separated
}

// Load reads configuration from the environment, applying defaults and
// validating. Invalid values fail here, before any component is wired.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("etrap.organization", "")
	v.SetDefault("etrap.network", "testnet")
	v.SetDefault("etrap.rpc_endpoint", "")
	v.SetDefault("etrap.timeout", 30)
	v.SetDefault("etrap.cache_ttl", 300)
	v.SetDefault("etrap.max_retries", 3)
	v.SetDefault("aws.default_region", "us-west-2")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("etrap.workers", 8)
	v.SetDefault("etrap.max_unconstrained", 50)
	v.SetDefault("etrap.tie_margin", 0.0)
	v.SetDefault("etrap.hash_scan_limit", 25)
	v.SetDefault("etrap.cache_capacity", 1024)
	v.SetDefault("etrap.rpc_rate_limit", 10.0)
	v.SetDefault("etrap.http_rate_limit_rps", 20)
	v.SetDefault("etrap.cors_origins", "")

	cfg := &Config{
		Organization:       v.GetString("etrap.organization"),
		Network:            v.GetString("etrap.network"),
		RPCEndpoint:        v.GetString("etrap.rpc_endpoint"),
		Timeout:            time.Duration(v.GetInt("etrap.timeout")) * time.Second,
		CacheTTL:           time.Duration(v.GetInt("etrap.cache_ttl")) * time.Second,
		MaxRetries:         v.GetInt("etrap.max_retries"),
		AWSRegion:          v.GetString("aws.default_region"),
		AWSAccessKeyID:     v.GetString("aws.access_key_id"),
		AWSSecretAccessKey: v.GetString("aws.secret_access_key"),
		Workers:            v.GetInt("etrap.workers"),
		MaxUnconstrained:   v.GetInt("etrap.max_unconstrained"),
		TieMargin:          v.GetFloat64("etrap.tie_margin"),
		HashScanLimit:      v.GetInt("etrap.hash_scan_limit"),
		CacheCapacity:      v.GetInt("etrap.cache_capacity"),
		RPCRateLimit:       v.GetFloat64("etrap.rpc_rate_limit"),
		RateLimitRPS:       v.GetInt("etrap.http_rate_limit_rps"),
	}
	if origins := v.GetString("etrap.cors_origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Organization == "" {
		return fmt.Errorf("ETRAP_ORGANIZATION is required")
	}
	switch c.Network {
	case "mainnet", "testnet", "betanet", "localnet":
	default:
		return fmt.Errorf("ETRAP_NETWORK %q is not a known network", c.Network)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("ETRAP_TIMEOUT must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("ETRAP_CACHE_TTL must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("ETRAP_MAX_RETRIES must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("ETRAP_WORKERS must be at least 1")
	}
	if c.TieMargin < 0 {
		return fmt.Errorf("ETRAP_TIE_MARGIN must not be negative")
	}
	return nil
}

// ContractID returns the audit contract account derived from the
// organization and network.
func (c *Config) ContractID() string {
	return near.ContractID(c.Organization, c.Network)
}

// RetryPolicy builds the shared collaborator retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.MaxRetries
	return p
}
