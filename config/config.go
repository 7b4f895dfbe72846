// Package config loads the YAML configuration of a docstore
// process: which kv backend to open, how to log and how many
// decoded documents each partition caches.
package config

import (
	"fmt"
	"os"

	"github.com/jrife/docstore/storage/docstore"
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/marshaled"
	"github.com/jrife/docstore/storage/kv/plugins"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultPlugin is the backend used when none is configured
const DefaultPlugin = "memory"

// BackendConfig selects a kv plugin and passes options to it
type BackendConfig struct {
	Plugin  string           `yaml:"plugin"`
	Options kv.PluginOptions `yaml:"options,omitempty"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	// Level is a zap level name such as "debug" or "info"
	Level       string `yaml:"level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

// Config is the top level configuration. Codec names the
// document codec, "json" (the default) or "msgpack".
type Config struct {
	Backend   BackendConfig `yaml:"backend"`
	Log       LogConfig     `yaml:"log,omitempty"`
	Codec     string        `yaml:"codec,omitempty"`
	CacheSize int           `yaml:"cache_size,omitempty"`

	pluginManager *plugins.KVPluginManager
}

// Default returns a configuration that uses the memory
// backend and logs at info level. Plugins are resolved
// among the built in ones plus extra.
func Default(extra ...kv.Plugin) *Config {
	return &Config{
		Backend:       BackendConfig{Plugin: DefaultPlugin},
		Log:           LogConfig{Level: "info"},
		pluginManager: plugins.NewKVPluginManager(extra...),
	}
}

// Load reads and parses the YAML file at path
func Load(path string, extra ...kv.Plugin) (*Config, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	return Parse(data, extra...)
}

// Parse parses YAML into a Config, filling in defaults for
// missing fields, and validates it. extra plugins can be
// selected by name in addition to the built in ones.
func Parse(data []byte, extra ...kv.Plugin) (*Config, error) {
	cfg := Default(extra...)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	if cfg.Backend.Plugin == "" {
		cfg.Backend.Plugin = DefaultPlugin
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the plugin and codec exist, the log
// level parses and the cache size is not negative
func (cfg *Config) Validate() error {
	if cfg.manager().Plugin(cfg.Backend.Plugin) == nil {
		return fmt.Errorf("unknown backend plugin %q", cfg.Backend.Plugin)
	}

	if marshaled.ByName[struct{}](cfg.Codec) == nil {
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}

	if _, err := cfg.level(); err != nil {
		return err
	}

	if cfg.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative, got %d", cfg.CacheSize)
	}

	return nil
}

func (cfg *Config) manager() *plugins.KVPluginManager {
	if cfg.pluginManager == nil {
		cfg.pluginManager = plugins.NewKVPluginManager()
	}

	return cfg.pluginManager
}

func (cfg *Config) level() (zapcore.Level, error) {
	if cfg.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}

	level, err := zapcore.ParseLevel(cfg.Log.Level)

	if err != nil {
		return level, fmt.Errorf("invalid log level: %w", err)
	}

	return level, nil
}

// NewLogger builds a zap logger from the log section
func (cfg *Config) NewLogger() (*zap.Logger, error) {
	level, err := cfg.level()

	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()

	if cfg.Log.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

// OpenBackend opens the configured backend
func (cfg *Config) OpenBackend(logger *zap.Logger) (kv.Backend, error) {
	plugin := cfg.manager().Plugin(cfg.Backend.Plugin)

	if plugin == nil {
		return nil, fmt.Errorf("unknown backend plugin %q", cfg.Backend.Plugin)
	}

	options := cfg.Backend.Options

	if options == nil {
		options = kv.PluginOptions{}
	}

	backend, err := plugin.NewBackend(options)

	if err != nil {
		return nil, fmt.Errorf("could not open %s backend: %w", plugin.Name(), err)
	}

	if logger != nil {
		logger.Info("opened backend", zap.String("plugin", plugin.Name()), zap.Any("options", options))
	}

	return backend, nil
}

// PartitionConfig builds the configuration of a partition
// of T stored in backend, using the configured codec and
// cache size. logger may be nil.
func PartitionConfig[T any](cfg *Config, settings docstore.Settings[T], backend kv.Backend, logger *zap.Logger) (docstore.PartitionConfig[T], error) {
	codec := marshaled.ByName[T](cfg.Codec)

	if codec == nil {
		return docstore.PartitionConfig[T]{}, fmt.Errorf("unknown codec %q", cfg.Codec)
	}

	return docstore.PartitionConfig[T]{
		Settings:  settings,
		Backend:   backend,
		Codec:     codec,
		Logger:    logger,
		CacheSize: cfg.CacheSize,
	}, nil
}
