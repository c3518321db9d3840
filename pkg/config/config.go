// Package config loads the lintool configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/roffe/golin"
	"gopkg.in/yaml.v3"
)

// Config represents the complete lintool configuration
type Config struct {
	Adapter        string            `yaml:"adapter" env:"LINTOOL_ADAPTER"`
	Port           string            `yaml:"port" env:"LINTOOL_PORT"`
	Baudrate       int               `yaml:"baudrate" env:"LINTOOL_BAUDRATE"`
	Channel        int               `yaml:"channel" env:"LINTOOL_CHANNEL"`
	ChannelIndex   int               `yaml:"channel_index" env:"LINTOOL_CHANNEL_INDEX"`
	AppName        string            `yaml:"app_name" env:"LINTOOL_APP_NAME"`
	ReceiveTimeout time.Duration     `yaml:"receive_timeout" env:"LINTOOL_RECEIVE_TIMEOUT"`
	StopTimeout    time.Duration     `yaml:"stop_timeout" env:"LINTOOL_STOP_TIMEOUT"`
	RecordPath     string            `yaml:"record_path" env:"LINTOOL_RECORD"`
	Debug          bool              `yaml:"debug" env:"LINTOOL_DEBUG"`
	MQTT           MQTTConfig        `yaml:"mqtt"`
	Additional     map[string]string `yaml:"additional,omitempty"` // adapter specific settings
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string `yaml:"broker" env:"LINTOOL_MQTT_BROKER"`
	Prefix string `yaml:"prefix" env:"LINTOOL_MQTT_PREFIX"`
	QoS    byte   `yaml:"qos" env:"LINTOOL_MQTT_QOS"`
}

func Default() *Config {
	return &Config{
		Adapter:        "Virtual",
		Baudrate:       115200,
		AppName:        "lintool",
		ReceiveTimeout: golin.DefaultReceiveTimeout,
		StopTimeout:    2 * time.Second,
		MQTT: MQTTConfig{
			Prefix: "lin",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Adapter == "" {
		errs = append(errs, errors.New("adapter is required"))
	}
	if c.ReceiveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("receive_timeout must be positive, got %s", c.ReceiveTimeout))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.Baudrate < 0 {
		errs = append(errs, fmt.Errorf("baudrate must not be negative, got %d", c.Baudrate))
	}
	if c.Channel < 0 || c.ChannelIndex < 0 {
		errs = append(errs, errors.New("channel and channel_index must not be negative"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// BusConfig returns the adapter configuration described by c
func (c *Config) BusConfig(logger *slog.Logger) *golin.BusConfig {
	additional := make(map[string]string, len(c.Additional))
	for k, v := range c.Additional {
		additional[k] = v
	}
	return &golin.BusConfig{
		Port:         c.Port,
		Baudrate:     c.Baudrate,
		Channel:      c.Channel,
		ChannelIndex: c.ChannelIndex,
		AppName:      c.AppName,
		Debug:        c.Debug,
		Logger:       logger,
		Additional:   additional,
	}
}

// Write encodes c as YAML
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
