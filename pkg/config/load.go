package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the runtime configuration shared by the binaries.
type Settings struct {
	Agent     AgentSettings     `mapstructure:"agent"`
	Collector CollectorSettings `mapstructure:"collector"`
	Log       LogSettings       `mapstructure:"log"`

	ConfigPath string `mapstructure:"-"`
}

// AgentSettings configures an instrumented process.
type AgentSettings struct {
	AppID          string        `mapstructure:"app-id"`
	LicenseKey     string        `mapstructure:"license-key"`
	Endpoint       string        `mapstructure:"endpoint"`
	HarvestPeriod  time.Duration `mapstructure:"harvest-period"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	MaxRetryDelay  time.Duration `mapstructure:"max-retry-delay"`
	GzipThreshold  int           `mapstructure:"gzip-threshold"`
	MaxBuckets     int           `mapstructure:"max-buckets"`
	ReplayMode     bool          `mapstructure:"replay-mode"`
	Beacon         bool          `mapstructure:"beacon"`
	KeepAlive      bool          `mapstructure:"keep-alive"`
}

// CollectorSettings configures the reference collection endpoint.
type CollectorSettings struct {
	Addr            string        `mapstructure:"addr"`
	DataDir         string        `mapstructure:"data-dir"`
	InMemory        bool          `mapstructure:"in-memory"`
	MaxMemoryMB     int64         `mapstructure:"max-memory-mb"`
	MaxStorageGB    int64         `mapstructure:"max-storage-gb"`
	Retention       time.Duration `mapstructure:"retention"`
	RateLimitPerSec float64       `mapstructure:"rate-limit"`
	RateLimitBurst  int           `mapstructure:"rate-burst"`
	RetryAfter      time.Duration `mapstructure:"retry-after"`
	BlockedApps     []string      `mapstructure:"blocked-apps"`
}

// LogSettings configures zerolog output.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads settings from defaults, an optional config file and TINYRUM_* environment
// variables, in increasing order of precedence. A missing config file is not an error.
func Load(path string) (Settings, error) {
	var s Settings

	v := viper.New()
	v.SetEnvPrefix("TINYRUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("agent.app-id", "")
	v.SetDefault("agent.license-key", "")
	v.SetDefault("agent.endpoint", DefaultEndpoint)
	v.SetDefault("agent.harvest-period", DefaultHarvestPeriod)
	v.SetDefault("agent.request-timeout", DefaultRequestTimeout)
	v.SetDefault("agent.max-retry-delay", DefaultMaxRetryDelay)
	v.SetDefault("agent.gzip-threshold", DefaultGzipThreshold)
	v.SetDefault("agent.max-buckets", DefaultMaxBucketsPerType)
	v.SetDefault("agent.replay-mode", false)
	v.SetDefault("agent.beacon", true)
	v.SetDefault("agent.keep-alive", true)

	v.SetDefault("collector.addr", DefaultCollectorAddr)
	v.SetDefault("collector.data-dir", DefaultDataDir)
	v.SetDefault("collector.in-memory", false)
	v.SetDefault("collector.max-memory-mb", DefaultMaxMemoryMB)
	v.SetDefault("collector.max-storage-gb", DefaultMaxStorageGB)
	v.SetDefault("collector.retention", DefaultRetention)
	v.SetDefault("collector.rate-limit", DefaultRateLimitPerSec)
	v.SetDefault("collector.rate-burst", DefaultRateLimitBurst)
	v.SetDefault("collector.retry-after", DefaultRetryAfter)
	v.SetDefault("collector.blocked-apps", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return s, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decoding config: %w", err)
	}
	s.ConfigPath = v.ConfigFileUsed()

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate rejects settings the agent or collector cannot run with.
func (s Settings) Validate() error {
	if s.Agent.HarvestPeriod <= 0 {
		return fmt.Errorf("invalid agent.harvest-period: %v", s.Agent.HarvestPeriod)
	}
	if s.Agent.MaxBuckets <= 0 {
		return fmt.Errorf("invalid agent.max-buckets: %d", s.Agent.MaxBuckets)
	}
	if s.Collector.RateLimitPerSec < 0 {
		return fmt.Errorf("invalid collector.rate-limit: %v", s.Collector.RateLimitPerSec)
	}
	if s.Collector.RateLimitBurst <= 0 {
		return fmt.Errorf("invalid collector.rate-burst: %d", s.Collector.RateLimitBurst)
	}
	if s.Collector.Retention <= 0 {
		return fmt.Errorf("invalid collector.retention: %v", s.Collector.Retention)
	}
	return nil
}
