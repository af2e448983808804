// Package config loads the core's configuration from YAML with
// environment-variable overrides, in the teacher's applyEnvOverrides /
// applyDefaults style, but threaded explicitly through the composition
// root instead of retained behind a sync.Once singleton (Design Notes
// §9: "no class singletons with hidden mutable state").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is every key spec.md §6.3 recognizes.
type Config struct {
	Env string `yaml:"env"` // dev, staging, prod

	Database DatabaseConfig `yaml:"database"`
	Pools    PoolsConfig    `yaml:"pools"`

	ServiceCredential string `yaml:"service_credential"`
	ServiceCredTTLSec int    `yaml:"service_cred_ttl_s"`

	KVURL      string `yaml:"kv_url"`
	KVPoolMax  int    `yaml:"kv_pool_max"`

	DefaultUserCredits int64 `yaml:"default_user_credits"`

	TokenIssuer     string   `yaml:"token_issuer"`
	TokenAudience   string   `yaml:"token_audience"`
	TokenAlgs       []string `yaml:"token_algs"`
	AllowMockTokens bool     `yaml:"allow_mock_tokens"`

	AuthDeadlineMs    int `yaml:"auth_deadline_ms"`
	GeneralDeadlineMs int `yaml:"general_deadline_ms"`

	AlertWebhookURL string `yaml:"alert_webhook_url"`

	// SigningKeys maps a JWT "kid" header to either an HS256 shared
	// secret or an RS256/ES256 public key in PEM form, the material
	// C1's KeyProvider caches in-process per spec.md §6.2.
	SigningKeys map[string]string `yaml:"signing_keys"`

	// EmergencyAllowList names the user ids C6's layer 4 direct-read
	// path may rescue (spec.md §4.6).
	EmergencyAllowList []string `yaml:"emergency_allow_list"`

	CachePriority CacheConfig `yaml:"cache"`
}

// CacheConfig sizes C5's tiers.
type CacheConfig struct {
	L1Capacity int    `yaml:"l1_capacity"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisPass  string `yaml:"redis_password"`
	RedisDB    int    `yaml:"redis_db"`
}

// DatabaseConfig names the Postgres/Supabase endpoints and credentials
// shared by every pool.
type DatabaseConfig struct {
	URL            string `yaml:"db_url"`
	SupabaseURL    string `yaml:"supabase_url"`
	AnonKey        string `yaml:"supabase_anon_key"`
}

// PoolConfig is one row of spec.md §4.3's pool table.
type PoolConfig struct {
	MinConns    int `yaml:"min"`
	MaxConns    int `yaml:"max"`
	StmtTimeout int `yaml:"stmt_timeout_s"`
}

// PoolsConfig names the six fixed pools C3 manages.
type PoolsConfig struct {
	Auth       PoolConfig `yaml:"auth"`
	Read       PoolConfig `yaml:"read"`
	Write      PoolConfig `yaml:"write"`
	Analytics  PoolConfig `yaml:"analytics"`
	Admin      PoolConfig `yaml:"admin"`
	Batch      PoolConfig `yaml:"batch"`
}

// IsProduction reports whether dev-mode tokens must be rejected.
func (c *Config) IsProduction() bool {
	return c.Env == "prod" || c.Env == "production"
}

func (c *Config) ServiceCredTTL() time.Duration {
	return time.Duration(c.ServiceCredTTLSec) * time.Second
}

func (c *Config) AuthDeadline() time.Duration {
	return time.Duration(c.AuthDeadlineMs) * time.Millisecond
}

func (c *Config) GeneralDeadline() time.Duration {
	return time.Duration(c.GeneralDeadlineMs) * time.Millisecond
}

// Load reads path (if it exists), applies environment overrides, then
// fills in defaults for anything still zero-valued. A missing file is
// not an error: environment overrides and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Env = getEnv("OCX_ENV", c.Env)

	c.Database.URL = getEnv("OCX_DB_URL", c.Database.URL)
	c.Database.SupabaseURL = getEnv("SUPABASE_URL", c.Database.SupabaseURL)
	c.Database.AnonKey = getEnv("SUPABASE_ANON_KEY", c.Database.AnonKey)

	c.ServiceCredential = getEnv("OCX_SERVICE_CREDENTIAL", c.ServiceCredential)
	if v := getEnvInt("OCX_SERVICE_CRED_TTL_S", 0); v > 0 {
		c.ServiceCredTTLSec = v
	}

	c.KVURL = getEnv("OCX_KV_URL", c.KVURL)
	if v := getEnvInt("OCX_KV_POOL_MAX", 0); v > 0 {
		c.KVPoolMax = v
	}

	if v := getEnvInt("OCX_DEFAULT_USER_CREDITS", 0); v > 0 {
		c.DefaultUserCredits = int64(v)
	}

	c.TokenIssuer = getEnv("OCX_TOKEN_ISSUER", c.TokenIssuer)
	c.TokenAudience = getEnv("OCX_TOKEN_AUDIENCE", c.TokenAudience)
	if algs := getEnv("OCX_TOKEN_ALGS", ""); algs != "" {
		c.TokenAlgs = splitCSV(algs)
	}
	c.AllowMockTokens = getEnvBool("OCX_ALLOW_MOCK_TOKENS", c.AllowMockTokens)

	if v := getEnvInt("OCX_AUTH_DEADLINE_MS", 0); v > 0 {
		c.AuthDeadlineMs = v
	}
	if v := getEnvInt("OCX_GENERAL_DEADLINE_MS", 0); v > 0 {
		c.GeneralDeadlineMs = v
	}

	c.AlertWebhookURL = getEnv("OCX_ALERT_WEBHOOK_URL", c.AlertWebhookURL)

	c.Pools.Auth = applyPoolEnv("AUTH", c.Pools.Auth)
	c.Pools.Read = applyPoolEnv("READ", c.Pools.Read)
	c.Pools.Write = applyPoolEnv("WRITE", c.Pools.Write)
	c.Pools.Analytics = applyPoolEnv("ANALYTICS", c.Pools.Analytics)
	c.Pools.Admin = applyPoolEnv("ADMIN", c.Pools.Admin)
	c.Pools.Batch = applyPoolEnv("BATCH", c.Pools.Batch)
}

func applyPoolEnv(prefix string, p PoolConfig) PoolConfig {
	if v := getEnvInt("OCX_POOL_"+prefix+"_MIN", 0); v > 0 {
		p.MinConns = v
	}
	if v := getEnvInt("OCX_POOL_"+prefix+"_MAX", 0); v > 0 {
		p.MaxConns = v
	}
	if v := getEnvInt("OCX_POOL_"+prefix+"_STMT_TIMEOUT_S", 0); v > 0 {
		p.StmtTimeout = v
	}
	return p
}

// applyDefaults fills every zero-valued field with the defaults spec.md
// §4.3 and §6.3 name.
func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.ServiceCredTTLSec == 0 {
		c.ServiceCredTTLSec = 86400
	}
	if c.KVPoolMax == 0 {
		c.KVPoolMax = 20
	}
	if c.DefaultUserCredits == 0 {
		c.DefaultUserCredits = 100
	}
	if len(c.TokenAlgs) == 0 {
		c.TokenAlgs = []string{"HS256"}
	}
	if c.AuthDeadlineMs == 0 {
		c.AuthDeadlineMs = 500
	}
	if c.GeneralDeadlineMs == 0 {
		c.GeneralDeadlineMs = 2000
	}
	if c.CachePriority.L1Capacity == 0 {
		c.CachePriority.L1Capacity = 10000
	}

	defaultPool(&c.Pools.Auth, 10, 50, 30)
	defaultPool(&c.Pools.Read, 20, 75, 60)
	defaultPool(&c.Pools.Write, 5, 25, 120)
	defaultPool(&c.Pools.Analytics, 5, 20, 5)
	defaultPool(&c.Pools.Admin, 2, 10, 10)
	defaultPool(&c.Pools.Batch, 5, 30, 30)
}

func defaultPool(p *PoolConfig, min, max, stmtTimeoutS int) {
	if p.MinConns == 0 {
		p.MinConns = min
	}
	if p.MaxConns == 0 {
		p.MaxConns = max
	}
	if p.StmtTimeout == 0 {
		p.StmtTimeout = stmtTimeoutS
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
