// Package config loads and validates node configuration from a YAML file
// with V2V_* environment overrides. Validation failures are fatal at
// startup; nothing else in the system treats configuration as dynamic.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	RangeMeters      float64       `yaml:"range_meters"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	Staleness        time.Duration `yaml:"staleness"`
	LifecycleTick    time.Duration `yaml:"lifecycle_tick"`
	EvalTick         time.Duration `yaml:"eval_tick"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HandshakeRetries int           `yaml:"handshake_retries"`
	KeyLifetime      time.Duration `yaml:"key_lifetime"`
	MaxMessages      uint64        `yaml:"max_messages"`

	ClockSkew      time.Duration `yaml:"clock_skew"`
	MessageRate    float64       `yaml:"message_rate"`
	MessageBurst   int           `yaml:"message_burst"`
	ReplayWindow   int           `yaml:"replay_window"`
	SafetyRadius   float64       `yaml:"safety_radius"`
	CautionRadius  float64       `yaml:"caution_radius"`
	HorizonSeconds float64       `yaml:"horizon_seconds"`

	MetricsPath string `yaml:"metrics_path"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		DataDir:          defaultDataDir(),
		ListenAddr:       "127.0.0.1:0",
		RangeMeters:      1000,
		GracePeriod:      3 * time.Second,
		Staleness:        5 * time.Second,
		LifecycleTick:    time.Second,
		EvalTick:         100 * time.Millisecond,
		SampleInterval:   100 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		HandshakeRetries: 3,
		KeyLifetime:      15 * time.Minute,
		MaxMessages:      100_000,
		ClockSkew:        2 * time.Second,
		MessageRate:      10,
		MessageBurst:     20,
		ReplayWindow:     128,
		SafetyRadius:     15,
		CautionRadius:    50,
		HorizonSeconds:   5,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".v2vmesh"
	}
	return home + "/.v2vmesh"
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates. An unreadable file or an out-of-bounds value
// is an error; the caller treats it as fatal.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("V2V_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("V2V_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("V2V_RANGE_METERS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RangeMeters = f
		}
	}
	if v := os.Getenv("V2V_MESSAGE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MessageRate = f
		}
	}
	if v := os.Getenv("V2V_STALENESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Staleness = d
		}
	}
	if v := os.Getenv("V2V_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("V2V_METRICS_PATH"); v != "" {
		c.MetricsPath = v
	}
}

func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.RangeMeters <= 0 {
		return fail("range_meters must be positive, got %v", c.RangeMeters)
	}
	if c.GracePeriod <= 0 || c.Staleness <= 0 || c.LifecycleTick <= 0 || c.EvalTick <= 0 {
		return fail("lifecycle durations must be positive")
	}
	if c.HandshakeTimeout <= 0 || c.HandshakeRetries < 1 {
		return fail("handshake_timeout must be positive and retries >= 1")
	}
	if c.KeyLifetime <= 0 {
		return fail("key_lifetime must be positive")
	}
	if c.ClockSkew <= 0 {
		return fail("clock_skew must be positive")
	}
	if c.MessageRate <= 0 || c.MessageBurst < 1 {
		return fail("message_rate must be positive and burst >= 1")
	}
	if c.ReplayWindow < 1 {
		return fail("replay_window must be >= 1")
	}
	if c.SafetyRadius <= 0 || c.CautionRadius <= c.SafetyRadius {
		return fail("caution_radius must exceed safety_radius, both positive")
	}
	if c.HorizonSeconds <= 0 {
		return fail("horizon_seconds must be positive")
	}
	return nil
}
