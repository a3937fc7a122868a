// Package config provides configuration management for go-autovol
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-autovol/internal/volume"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Curve    CurveConfig    `mapstructure:"curve"`
	Boost    BoostConfig    `mapstructure:"boost"`
	Speed    SpeedConfig    `mapstructure:"speed"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Settings SettingsConfig `mapstructure:"settings"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// CurveConfig is the initial volume curve, used until a settings file exists
type CurveConfig struct {
	MaxSteps int     `mapstructure:"max_steps"`
	Exponent float64 `mapstructure:"exponent"`
}

// BoostConfig configures the speed-boost session
type BoostConfig struct {
	Sensitivity string `mapstructure:"sensitivity"` // low, mid, high
	PollHz      int    `mapstructure:"poll_hz"`
	AutoStart   bool   `mapstructure:"auto_start"`
}

// SpeedConfig selects and configures the speed source
type SpeedConfig struct {
	Type       string        `mapstructure:"type"` // mock, redis, mqtt
	StaleAfter time.Duration `mapstructure:"stale_after"`

	Redis RedisConfig `mapstructure:"redis"`
	MQTT  MQTTConfig  `mapstructure:"mqtt"`
}

// RedisConfig points at a hash field holding the vehicle speed in km/h
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Field    string `mapstructure:"field"`
}

// MQTTConfig configures the broker subscription for speed updates
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

// SinkConfig selects and configures the device volume sink
type SinkConfig struct {
	Type        string       `mapstructure:"type"` // mock, remote
	InitialStep int          `mapstructure:"initial_step"`
	Remote      RemoteConfig `mapstructure:"remote"`
}

// RemoteConfig configures the head-unit bridge connection
type RemoteConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReplyTimeout     time.Duration `mapstructure:"reply_timeout"`
	MinWriteInterval time.Duration `mapstructure:"min_write_interval"`
}

// SettingsConfig locates the persisted user settings
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text, console
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9100,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Curve: CurveConfig{
			MaxSteps: 15,
			Exponent: 2.0,
		},
		Boost: BoostConfig{
			Sensitivity: "mid",
			PollHz:      1,
		},
		Speed: SpeedConfig{
			Type:       "mock",
			StaleAfter: 5 * time.Second,
			Redis: RedisConfig{
				Addr:  "127.0.0.1:6379",
				Key:   "engine-ecu",
				Field: "speed",
			},
			MQTT: MQTTConfig{
				Broker:   "tcp://127.0.0.1:1883",
				ClientID: "go-autovol",
				Topic:    "vehicle/speed",
			},
		},
		Sink: SinkConfig{
			Type:        "mock",
			InitialStep: 7,
			Remote: RemoteConfig{
				URL:              "ws://127.0.0.1:8765/volume",
				ReconnectBackoff: 1 * time.Second,
				MaxBackoff:       30 * time.Second,
				PingInterval:     10 * time.Second,
				WriteTimeout:     2 * time.Second,
				ReplyTimeout:     2 * time.Second,
				MinWriteInterval: 100 * time.Millisecond,
			},
		},
		Settings: SettingsConfig{
			Path: "/var/lib/go-autovol/settings.yaml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine, defaults apply
			fmt.Printf("Warning: config file not readable at %s, using defaults\n", path)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("AUTOVOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Curve defaults
	v.SetDefault("curve.max_steps", d.Curve.MaxSteps)
	v.SetDefault("curve.exponent", d.Curve.Exponent)

	// Boost defaults
	v.SetDefault("boost.sensitivity", d.Boost.Sensitivity)
	v.SetDefault("boost.poll_hz", d.Boost.PollHz)
	v.SetDefault("boost.auto_start", d.Boost.AutoStart)

	// Speed source defaults
	v.SetDefault("speed.type", d.Speed.Type)
	v.SetDefault("speed.stale_after", "5s")
	v.SetDefault("speed.redis.addr", d.Speed.Redis.Addr)
	v.SetDefault("speed.redis.password", "")
	v.SetDefault("speed.redis.db", 0)
	v.SetDefault("speed.redis.key", d.Speed.Redis.Key)
	v.SetDefault("speed.redis.field", d.Speed.Redis.Field)
	v.SetDefault("speed.mqtt.broker", d.Speed.MQTT.Broker)
	v.SetDefault("speed.mqtt.client_id", d.Speed.MQTT.ClientID)
	v.SetDefault("speed.mqtt.username", "")
	v.SetDefault("speed.mqtt.password", "")
	v.SetDefault("speed.mqtt.topic", d.Speed.MQTT.Topic)
	v.SetDefault("speed.mqtt.qos", 0)

	// Sink defaults
	v.SetDefault("sink.type", d.Sink.Type)
	v.SetDefault("sink.initial_step", d.Sink.InitialStep)
	v.SetDefault("sink.remote.url", d.Sink.Remote.URL)
	v.SetDefault("sink.remote.reconnect_backoff", "1s")
	v.SetDefault("sink.remote.max_backoff", "30s")
	v.SetDefault("sink.remote.ping_interval", "10s")
	v.SetDefault("sink.remote.write_timeout", "2s")
	v.SetDefault("sink.remote.reply_timeout", "2s")
	v.SetDefault("sink.remote.min_write_interval", "100ms")

	// Settings defaults
	v.SetDefault("settings.path", d.Settings.Path)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Boost.PollHz < 1 || c.Boost.PollHz > 50 {
		return fmt.Errorf("poll_hz must be between 1 and 50, got %d", c.Boost.PollHz)
	}

	if err := c.VolumeCurve().Validate(); err != nil {
		return err
	}

	if _, err := volume.ParseSensitivity(c.Boost.Sensitivity); err != nil {
		return err
	}

	switch c.Speed.Type {
	case "mock", "redis", "mqtt":
	default:
		return fmt.Errorf("unknown speed source type %q", c.Speed.Type)
	}

	switch c.Sink.Type {
	case "mock", "remote":
	default:
		return fmt.Errorf("unknown sink type %q", c.Sink.Type)
	}

	if c.Sink.InitialStep < 0 || c.Sink.InitialStep > c.Curve.MaxSteps {
		return fmt.Errorf("initial_step must be between 0 and %d, got %d", c.Curve.MaxSteps, c.Sink.InitialStep)
	}

	return nil
}

// VolumeCurve returns the configured curve
func (c *Config) VolumeCurve() volume.Curve {
	return volume.Curve{
		MaxSteps: c.Curve.MaxSteps,
		Exponent: c.Curve.Exponent,
	}
}

// DefaultSettings returns the volume settings used when no settings file exists yet
func (c *Config) DefaultSettings() volume.Settings {
	sensitivity, err := volume.ParseSensitivity(c.Boost.Sensitivity)
	if err != nil {
		sensitivity = volume.SensitivityMid
	}

	return volume.Settings{
		Curve:       c.VolumeCurve(),
		Sensitivity: sensitivity,
		AutoBoost:   c.Boost.AutoStart,
	}
}

// PollInterval converts poll_hz to a ticker interval
func (b BoostConfig) PollInterval() time.Duration {
	if b.PollHz <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(b.PollHz)
}
