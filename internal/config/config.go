package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	FastClaim FastClaimConfig `mapstructure:"fast_claim"`
	Flywheel  FlywheelConfig  `mapstructure:"flywheel"`
	Turbo     TurboConfig     `mapstructure:"turbo"`
	Balance   BalanceConfig   `mapstructure:"balance_update"`
	Reactive  ReactiveConfig  `mapstructure:"reactive"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

type RPCConfig struct {
	URL         string `mapstructure:"url"`
	WSURL       string `mapstructure:"ws_url"`
	FallbackURL string `mapstructure:"fallback_url"`
	APIKey      string `mapstructure:"api_key"`
}

type VenueConfig struct {
	CurveURL       string `mapstructure:"curve_url"`
	PoolURL        string `mapstructure:"pool_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MetaTTLSeconds int    `mapstructure:"meta_ttl_seconds"`
}

type SignerConfig struct {
	URL         string `mapstructure:"url"`
	KeystoreDir string `mapstructure:"keystore_dir"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type FastClaimConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	ThresholdSol    float64 `mapstructure:"threshold_sol"`
	MaxConcurrent   int     `mapstructure:"max_concurrent"`
	BatchDelayMs    int     `mapstructure:"batch_delay_ms"`
}

type FlywheelConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	MaxConcurrent   int `mapstructure:"max_concurrent"`
}

type TurboConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"`
	RateLimitPerMin   int `mapstructure:"rate_limit_per_min"`
	InterTokenDelayMs int `mapstructure:"inter_token_delay_ms"`
}

type BalanceConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchSize       int `mapstructure:"batch_size"`
}

type ReactiveConfig struct {
	SettleDelayMs      int `mapstructure:"settle_delay_ms"`
	ReconcileSeconds   int `mapstructure:"reconcile_seconds"`
	DedupMaxSignatures int `mapstructure:"dedup_max_signatures"`
}

type PlatformConfig struct {
	FeePct                  float64 `mapstructure:"fee_pct"`
	TokenMint               string  `mapstructure:"token_mint"`
	OpsAddress              string  `mapstructure:"ops_address"`
	DevMinReserveSol        float64 `mapstructure:"dev_min_reserve_sol"`
	ClaimTransferReserveSol float64 `mapstructure:"claim_transfer_reserve_sol"`
}

type JobsConfig struct {
	FastClaimEnabled     bool `mapstructure:"fast_claim_job_enabled"`
	FlywheelEnabled      bool `mapstructure:"flywheel_job_enabled"`
	BalanceUpdateEnabled bool `mapstructure:"balance_update_job_enabled"`
	ReactiveEnabled      bool `mapstructure:"reactive_job_enabled"`
}

type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
}

type OpsConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

// Manager handles config loading and hot-reload. A reload never replaces the
// active config with an invalid one; the previous good config stays in effect.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	reloaded atomic.Bool
	onChange func(*Config)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("venue.timeout_seconds", 10)
	v.SetDefault("venue.meta_ttl_seconds", 300)
	v.SetDefault("signer.keystore_dir", "./data/keystore")
	v.SetDefault("storage.sqlite_path", "./data/engine.db")
	v.SetDefault("fast_claim.interval_seconds", 30)
	v.SetDefault("fast_claim.threshold_sol", 0.15)
	v.SetDefault("fast_claim.max_concurrent", 5)
	v.SetDefault("fast_claim.batch_delay_ms", 500)
	v.SetDefault("flywheel.interval_seconds", 60)
	v.SetDefault("flywheel.max_concurrent", 5)
	v.SetDefault("turbo.interval_seconds", 15)
	v.SetDefault("turbo.rate_limit_per_min", 60)
	v.SetDefault("turbo.inter_token_delay_ms", 200)
	v.SetDefault("balance_update.interval_seconds", 300)
	v.SetDefault("balance_update.batch_size", 50)
	v.SetDefault("reactive.settle_delay_ms", 200)
	v.SetDefault("reactive.reconcile_seconds", 60)
	v.SetDefault("reactive.dedup_max_signatures", 2000)
	v.SetDefault("platform.fee_pct", 10)
	v.SetDefault("platform.dev_min_reserve_sol", 0.03)
	v.SetDefault("platform.claim_transfer_reserve_sol", 0.1)
	v.SetDefault("jobs.fast_claim_job_enabled", true)
	v.SetDefault("jobs.flywheel_job_enabled", true)
	v.SetDefault("jobs.balance_update_job_enabled", true)
	v.SetDefault("jobs.reactive_job_enabled", true)
	v.SetDefault("admin.listen_addr", ":8090")
	v.SetDefault("ops.listen_host", "127.0.0.1")
	v.SetDefault("ops.listen_port", 8091)
}

// bindEnv maps flat env names (RPC_URL, FAST_CLAIM_INTERVAL_SECONDS, ...) onto
// the nested config keys.
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"rpc.url":                             "RPC_URL",
		"rpc.ws_url":                          "RPC_WS_URL",
		"rpc.fallback_url":                    "RPC_FALLBACK_URL",
		"rpc.api_key":                         "RPC_API_KEY",
		"venue.curve_url":                     "VENUE_CURVE_URL",
		"venue.pool_url":                      "VENUE_POOL_URL",
		"venue.api_key":                       "VENUE_API_KEY",
		"venue.timeout_seconds":               "VENUE_TIMEOUT_SECONDS",
		"venue.meta_ttl_seconds":              "VENUE_META_TTL_SECONDS",
		"signer.url":                          "SIGNER_URL",
		"signer.keystore_dir":                 "KEYSTORE_DIR",
		"storage.sqlite_path":                 "SQLITE_PATH",
		"fast_claim.interval_seconds":         "FAST_CLAIM_INTERVAL_SECONDS",
		"fast_claim.threshold_sol":            "FAST_CLAIM_THRESHOLD_SOL",
		"fast_claim.max_concurrent":           "FAST_CLAIM_MAX_CONCURRENT",
		"fast_claim.batch_delay_ms":           "FAST_CLAIM_BATCH_DELAY_MS",
		"flywheel.interval_seconds":           "FLYWHEEL_INTERVAL_SECONDS",
		"flywheel.max_concurrent":             "FLYWHEEL_MAX_CONCURRENT",
		"turbo.interval_seconds":              "TURBO_INTERVAL_SECONDS",
		"turbo.rate_limit_per_min":            "TURBO_RATE_LIMIT_PER_MIN",
		"turbo.inter_token_delay_ms":          "TURBO_INTER_TOKEN_DELAY_MS",
		"balance_update.interval_seconds":     "BALANCE_UPDATE_INTERVAL_SECONDS",
		"balance_update.batch_size":           "BALANCE_UPDATE_BATCH_SIZE",
		"platform.fee_pct":                    "PLATFORM_FEE_PCT",
		"platform.token_mint":                 "PLATFORM_TOKEN_MINT",
		"platform.ops_address":                "PLATFORM_OPS_ADDRESS",
		"platform.dev_min_reserve_sol":        "DEV_MIN_RESERVE_SOL",
		"platform.claim_transfer_reserve_sol": "CLAIM_TRANSFER_RESERVE_SOL",
		"jobs.fast_claim_job_enabled":         "FAST_CLAIM_JOB_ENABLED",
		"jobs.flywheel_job_enabled":           "FLYWHEEL_JOB_ENABLED",
		"jobs.balance_update_job_enabled":     "BALANCE_UPDATE_JOB_ENABLED",
		"jobs.reactive_job_enabled":           "REACTIVE_JOB_ENABLED",
		"admin.listen_addr":                   "ADMIN_LISTEN_ADDR",
		"admin.auth_token":                    "ADMIN_AUTH_TOKEN",
		"ops.listen_host":                     "OPS_LISTEN_HOST",
		"ops.listen_port":                     "OPS_LISTEN_PORT",
	}
	for key, env := range pairs {
		v.BindEnv(key, env)
	}
}

// NewManager loads config from env plus an optional yaml file. Pass an empty
// path to run env-only.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Exact decoding: a misspelled key fails loudly instead of silently
	// falling back to the default.
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	if configPath != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("config file changed, reloading")
			m.reload()
		})
	}

	return m, nil
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.RPC.WSURL == "" {
		return fmt.Errorf("RPC_WS_URL is required")
	}
	if c.Platform.FeePct < 0 || c.Platform.FeePct > 100 {
		return fmt.Errorf("PLATFORM_FEE_PCT out of range: %v", c.Platform.FeePct)
	}
	if c.Platform.TokenMint != "" && len(c.Platform.TokenMint) < 32 {
		return fmt.Errorf("invalid platform token mint: %s", c.Platform.TokenMint)
	}
	if c.FastClaim.ThresholdSol <= 0 {
		return fmt.Errorf("FAST_CLAIM_THRESHOLD_SOL must be positive")
	}
	return nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// ReloadRequested reports and clears the reload flag. The scheduler checks
// this at the start of each tick.
func (m *Manager) ReloadRequested() bool {
	return m.reloaded.Swap(false)
}

func (m *Manager) reload() {
	var cfg Config
	if err := m.viper.UnmarshalExact(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload, keeping previous")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid config on reload, keeping previous")
		return
	}

	m.mu.Lock()
	m.config = &cfg
	onChange := m.onChange
	m.mu.Unlock()

	m.reloaded.Store(true)
	if onChange != nil {
		onChange(&cfg)
	}
}

// FastClaimInterval returns the fast-claim cycle interval as a duration
func (m *Manager) FastClaimInterval() time.Duration {
	return time.Duration(m.Get().FastClaim.IntervalSeconds) * time.Second
}

// FlywheelInterval returns the flywheel cycle interval as a duration
func (m *Manager) FlywheelInterval() time.Duration {
	return time.Duration(m.Get().Flywheel.IntervalSeconds) * time.Second
}

// BalanceInterval returns the balance refresh interval as a duration
func (m *Manager) BalanceInterval() time.Duration {
	return time.Duration(m.Get().Balance.IntervalSeconds) * time.Second
}
