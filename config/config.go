package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is read when no --config flag is given.
const DefaultFile = "config/config.yaml"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	LevelDB   LevelDBConfig   `mapstructure:"leveldb"`
	Server    ServerConfig    `mapstructure:"server"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Router    RouterConfig    `mapstructure:"router"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Fee       FeeConfig       `mapstructure:"fee"`
	PoW       PoWConfig       `mapstructure:"pow"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Transport TransportConfig `mapstructure:"transport"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

type LevelDBConfig struct {
	// Path of the ledger database. Empty keeps the ledger in memory.
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type IdentityConfig struct {
	// SeedHex is a hex Ed25519 seed. Empty generates a fresh identity.
	SeedHex    string        `mapstructure:"seed_hex"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type RouterConfig struct {
	DefaultTTL          int           `mapstructure:"default_ttl"`
	FavoriteTTL         int           `mapstructure:"favorite_ttl"`
	JitterMin           time.Duration `mapstructure:"jitter_min"`
	JitterMax           time.Duration `mapstructure:"jitter_max"`
	CoverProbability    float64       `mapstructure:"cover_probability"`
	PowerMode           string        `mapstructure:"power_mode"`
	QueueSize           int           `mapstructure:"queue_size"`
	HoldCapacity        int           `mapstructure:"hold_capacity"`
	HoldTTL             time.Duration `mapstructure:"hold_ttl"`
	OutboxLimit         int           `mapstructure:"outbox_limit"`
	AuthFailureLimit    int           `mapstructure:"auth_failure_limit"`
	AuthFailureCooldown time.Duration `mapstructure:"auth_failure_cooldown"`
	AnnounceInterval    time.Duration `mapstructure:"announce_interval"`
}

type DedupConfig struct {
	ExpectedItems     uint          `mapstructure:"expected_items"`
	FalsePositiveRate float64       `mapstructure:"false_positive_rate"`
	RotateAfterItems  uint          `mapstructure:"rotate_after_items"`
	RotateInterval    time.Duration `mapstructure:"rotate_interval"`
}

type FeeConfig struct {
	Base               int64         `mapstructure:"base"`
	SizeRate           int64         `mapstructure:"size_rate"`
	HopRate            int64         `mapstructure:"hop_rate"`
	FavoriteMultiplier int64         `mapstructure:"favorite_multiplier"`
	Floor              int64         `mapstructure:"floor"`
	Ceiling            int64         `mapstructure:"ceiling"`
	TargetLatency      time.Duration `mapstructure:"target_latency"`
	QueueTarget        int           `mapstructure:"queue_target"`
	Smoothing          int64         `mapstructure:"smoothing"`
}

type PoWConfig struct {
	Difficulty           uint8         `mapstructure:"difficulty"`
	MinDifficulty        uint8         `mapstructure:"min_difficulty"`
	MaxAttempts          uint64        `mapstructure:"max_attempts"`
	Timeout              time.Duration `mapstructure:"timeout"`
	RetryLowerDifficulty bool          `mapstructure:"retry_lower_difficulty"`
}

type WalletConfig struct {
	AllowNegative bool  `mapstructure:"allow_negative"`
	InitialGrant  int64 `mapstructure:"initial_grant"`
	RewardRatio   int64 `mapstructure:"reward_ratio"`
}

type LedgerConfig struct {
	MaxParents     int           `mapstructure:"max_parents"`
	ParentStrategy string        `mapstructure:"parent_strategy"`
	Retention      time.Duration `mapstructure:"retention"`
	PruneInterval  time.Duration `mapstructure:"prune_interval"`
}

type TransportConfig struct {
	Name         string        `mapstructure:"name"`
	Peers        []string      `mapstructure:"peers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("leveldb.path", "data/ledger")
	v.SetDefault("server.port", 8080)

	v.SetDefault("identity.seed_hex", "")
	v.SetDefault("identity.session_ttl", 30*time.Minute)

	v.SetDefault("router.default_ttl", 5)
	v.SetDefault("router.favorite_ttl", 3)
	v.SetDefault("router.jitter_min", 10*time.Millisecond)
	v.SetDefault("router.jitter_max", 120*time.Millisecond)
	v.SetDefault("router.cover_probability", 0.1)
	v.SetDefault("router.power_mode", "performance")
	v.SetDefault("router.queue_size", 256)
	v.SetDefault("router.hold_capacity", 128)
	v.SetDefault("router.hold_ttl", 10*time.Minute)
	v.SetDefault("router.outbox_limit", 32)
	v.SetDefault("router.auth_failure_limit", 5)
	v.SetDefault("router.auth_failure_cooldown", time.Minute)
	v.SetDefault("router.announce_interval", time.Minute)

	v.SetDefault("dedup.expected_items", 2048)
	v.SetDefault("dedup.false_positive_rate", 0.01)
	v.SetDefault("dedup.rotate_after_items", 2048)
	v.SetDefault("dedup.rotate_interval", 5*time.Minute)

	v.SetDefault("fee.base", 100)
	v.SetDefault("fee.size_rate", 2)
	v.SetDefault("fee.hop_rate", 150)
	v.SetDefault("fee.favorite_multiplier", 1500)
	v.SetDefault("fee.floor", 1000)
	v.SetDefault("fee.ceiling", 3000)
	v.SetDefault("fee.target_latency", 250*time.Millisecond)
	v.SetDefault("fee.queue_target", 32)
	v.SetDefault("fee.smoothing", 200)

	v.SetDefault("pow.difficulty", 12)
	v.SetDefault("pow.min_difficulty", 8)
	v.SetDefault("pow.max_attempts", 1<<24)
	v.SetDefault("pow.timeout", 2*time.Second)
	v.SetDefault("pow.retry_lower_difficulty", true)

	v.SetDefault("wallet.allow_negative", false)
	v.SetDefault("wallet.initial_grant", 100000)
	v.SetDefault("wallet.reward_ratio", 500)

	v.SetDefault("ledger.max_parents", 2)
	v.SetDefault("ledger.parent_strategy", "recent")
	v.SetDefault("ledger.retention", 0)
	v.SetDefault("ledger.prune_interval", time.Hour)

	v.SetDefault("transport.name", "")
	v.SetDefault("transport.peers", []string{})
	v.SetDefault("transport.write_timeout", 5*time.Second)
}

// Default returns the configuration built from defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load reads file (DefaultFile when empty) over the defaults and applies
// MESHLEDGER_* environment overrides. A missing default file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("meshledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		if explicit {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Router.DefaultTTL < 0 || c.Router.DefaultTTL > 255:
		return fmt.Errorf("router.default_ttl %d out of range", c.Router.DefaultTTL)
	case c.Router.FavoriteTTL < 0 || c.Router.FavoriteTTL > 255:
		return fmt.Errorf("router.favorite_ttl %d out of range", c.Router.FavoriteTTL)
	case c.Router.CoverProbability < 0 || c.Router.CoverProbability > 1:
		return fmt.Errorf("router.cover_probability %v out of range", c.Router.CoverProbability)
	case c.Dedup.FalsePositiveRate <= 0 || c.Dedup.FalsePositiveRate >= 1:
		return fmt.Errorf("dedup.false_positive_rate %v out of range", c.Dedup.FalsePositiveRate)
	case c.Fee.Floor > c.Fee.Ceiling:
		return fmt.Errorf("fee.floor %d above fee.ceiling %d", c.Fee.Floor, c.Fee.Ceiling)
	case c.PoW.Difficulty > 32:
		return fmt.Errorf("pow.difficulty %d above 32", c.PoW.Difficulty)
	case c.Wallet.RewardRatio < 0 || c.Wallet.RewardRatio > 1000:
		return fmt.Errorf("wallet.reward_ratio %d out of range", c.Wallet.RewardRatio)
	case c.Ledger.MaxParents < 1:
		return fmt.Errorf("ledger.max_parents must be at least 1")
	}
	switch c.Ledger.ParentStrategy {
	case "recent", "mcmc":
	default:
		return fmt.Errorf("ledger.parent_strategy %q unknown", c.Ledger.ParentStrategy)
	}
	return nil
}
