// Package config loads marks-engine settings: an embedded default YAML
// file, an optional YAML file on disk, then environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/model"
	"github.com/harbor/marks-engine/internal/rules"
)

//go:embed default.yml
var defaultYml []byte

// EnvPrefix namespaces environment overrides (MARKS_PORT). Unprefixed
// names are read as a fallback.
const EnvPrefix = "MARKS"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the service configuration.
type Config struct {
	Port     string `yaml:"port" envconfig:"PORT"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	DatabaseURL string        `yaml:"database_url" envconfig:"DATABASE_URL"`
	RedisURL    string        `yaml:"redis_url" envconfig:"REDIS_URL"`
	CacheTTL    time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`

	NatsURL      string `yaml:"nats_url" envconfig:"NATS_URL"`
	NatsStream   string `yaml:"nats_stream" envconfig:"NATS_STREAM"`
	NatsSubject  string `yaml:"nats_subject" envconfig:"NATS_SUBJECT"`
	NatsConsumer string `yaml:"nats_consumer" envconfig:"NATS_CONSUMER"`

	Shards int `yaml:"shards" envconfig:"SHARDS"`

	LeaderboardRefresh string        `yaml:"leaderboard_refresh" envconfig:"LEADERBOARD_REFRESH"`
	LeaderboardTTL     time.Duration `yaml:"leaderboard_ttl" envconfig:"LEADERBOARD_TTL"`

	GenesisStart int64 `yaml:"genesis_start" envconfig:"GENESIS_START"`
	GenesisEnd   int64 `yaml:"genesis_end" envconfig:"GENESIS_END"`

	KnownContracts []string     `yaml:"known_contracts" envconfig:"KNOWN_CONTRACTS"`
	Rules          []RuleConfig `yaml:"rules" ignored:"true"`
}

// RuleConfig overrides the default rule of one contract. Unset fields keep
// the contract type's defaults.
type RuleConfig struct {
	Address             string  `yaml:"address"`
	Type                string  `yaml:"type"`
	RatePerDollarPerDay string  `yaml:"rate_per_dollar_per_day"`
	BonusMultiplier     *string `yaml:"bonus_multiplier"`
	PeriodStart         *int64  `yaml:"period_start"`
	PeriodEnd           *int64  `yaml:"period_end"`
	ForfeitOnWithdrawal *bool   `yaml:"forfeit_on_withdrawal"`
	ForfeitPercentage   *string `yaml:"forfeit_percentage"`
}

// Load reads the defaults, then path when non-empty, then the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultYml, cfg); err != nil {
		return nil, fmt.Errorf("decode default config: %w", err)
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and address formats.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalidConfig)
	}
	if c.Shards <= 0 {
		return fmt.Errorf("%w: shards must be positive", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.GenesisEnd != 0 && c.GenesisEnd <= c.GenesisStart {
		return fmt.Errorf("%w: genesis_end must be after genesis_start", ErrInvalidConfig)
	}
	for _, a := range c.KnownContracts {
		if _, err := contract.NormalizeAddress(a); err != nil {
			return fmt.Errorf("%w: known_contracts: %v", ErrInvalidConfig, err)
		}
	}
	for i, r := range c.Rules {
		if _, err := r.Rule(c.GenesisWindow()); err != nil {
			return fmt.Errorf("%w: rules[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// Known returns the configured protocol-owned addresses as a set.
func (c *Config) Known() contract.AddressSet {
	return contract.NewAddressSet(c.KnownContracts...)
}

// RuleOverrides builds the configured per-contract rules.
func (c *Config) RuleOverrides() ([]model.AccrualRule, error) {
	out := make([]model.AccrualRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		rule, err := r.Rule(c.GenesisWindow())
		if err != nil {
			return nil, fmt.Errorf("%w: rules[%d]: %v", ErrInvalidConfig, i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// GenesisWindow is the default period given to genesis rules.
func (c *Config) GenesisWindow() rules.Window {
	return rules.Window{Start: c.GenesisStart, End: c.GenesisEnd}
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
}

// Rule builds the accrual rule the override describes. A period rule with
// no bounds of its own takes them from genesis.
func (r RuleConfig) Rule(genesis rules.Window) (model.AccrualRule, error) {
	addr, err := contract.NormalizeAddress(r.Address)
	if err != nil {
		return model.AccrualRule{}, err
	}
	t, err := contract.ParseType(r.Type)
	if err != nil {
		return model.AccrualRule{}, err
	}

	rule := rules.Default(t)
	rule.Key = addr
	rule.ContractAddress = addr

	if r.RatePerDollarPerDay != "" {
		if rule.RatePerDollarPerDay, err = decimal.NewFromString(r.RatePerDollarPerDay); err != nil {
			return model.AccrualRule{}, fmt.Errorf("rate_per_dollar_per_day: %w", err)
		}
	}
	if r.BonusMultiplier != nil {
		v, err := decimal.NewFromString(*r.BonusMultiplier)
		if err != nil {
			return model.AccrualRule{}, fmt.Errorf("bonus_multiplier: %w", err)
		}
		rule.BonusMultiplier = decimal.NewNullDecimal(v)
	}
	if r.PeriodStart != nil || r.PeriodEnd != nil {
		rule.HasPeriod = true
		rule.PeriodStart = r.PeriodStart
		rule.PeriodEnd = r.PeriodEnd
	}
	if rule.HasPeriod && rule.PeriodStart == nil {
		start := genesis.Start
		rule.PeriodStart = &start
		if rule.PeriodEnd == nil && genesis.End > 0 {
			end := genesis.End
			rule.PeriodEnd = &end
		}
	}
	if r.ForfeitOnWithdrawal != nil {
		rule.ForfeitOnWithdrawal = *r.ForfeitOnWithdrawal
	}
	if r.ForfeitPercentage != nil {
		v, err := decimal.NewFromString(*r.ForfeitPercentage)
		if err != nil {
			return model.AccrualRule{}, fmt.Errorf("forfeit_percentage: %w", err)
		}
		rule.ForfeitPercentage = decimal.NewNullDecimal(v)
	}

	if err := rules.Validate(rule); err != nil {
		return model.AccrualRule{}, err
	}
	return rule, nil
}
