package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Replay    ReplayConfig    `yaml:"replay" mapstructure:"replay"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings for the semantic matcher.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// EngineConfig configures rule evaluation.
type EngineConfig struct {
	// AgentVersion is stamped on every emitted lead card.
	AgentVersion string `yaml:"agent_version" mapstructure:"agent_version"`
	// Matcher selects "deterministic" or "claude".
	Matcher string `yaml:"matcher" mapstructure:"matcher"`
}

// ReplayConfig configures replay throughput.
type ReplayConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
	// NotesPerSec throttles dispatch; 0 runs accelerated.
	NotesPerSec float64 `yaml:"notes_per_sec" mapstructure:"notes_per_sec"`
}

// DiscoveryConfig configures phrase discovery runs.
type DiscoveryConfig struct {
	MaxNgram      int     `yaml:"max_ngram" mapstructure:"max_ngram"`
	HorizonDays   int     `yaml:"horizon_days" mapstructure:"horizon_days"`
	MinSupport    int     `yaml:"min_support" mapstructure:"min_support"`
	FDRThreshold  float64 `yaml:"fdr_threshold" mapstructure:"fdr_threshold"`
	MaxCards      int     `yaml:"max_cards" mapstructure:"max_cards"`
	MaxExamples   int     `yaml:"max_examples" mapstructure:"max_examples"`
	ExcerptLen    int     `yaml:"excerpt_len" mapstructure:"excerpt_len"`
	ClosurePolicy string  `yaml:"closure_policy" mapstructure:"closure_policy"`
	Workers       int     `yaml:"workers" mapstructure:"workers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RETENTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "retention.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("engine.agent_version", "retention-engine/1")
	v.SetDefault("engine.matcher", "deterministic")
	v.SetDefault("replay.workers", 4)
	v.SetDefault("replay.notes_per_sec", 0)
	v.SetDefault("discovery.max_ngram", 3)
	v.SetDefault("discovery.horizon_days", 30)
	v.SetDefault("discovery.min_support", 30)
	v.SetDefault("discovery.fdr_threshold", 0.1)
	v.SetDefault("discovery.max_cards", 200)
	v.SetDefault("discovery.max_examples", 3)
	v.SetDefault("discovery.excerpt_len", 240)
	v.SetDefault("discovery.closure_policy", "first")
	v.SetDefault("discovery.workers", 4)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
