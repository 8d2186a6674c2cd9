package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bus     BusConfig     `yaml:"bus"`
	Link    LinkConfig    `yaml:"link"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type ServerConfig struct {
	// ExtHost/ExtPort are where the extension link listens. The link is
	// loopback-only; ExtHost exists so tests can bind an ephemeral port.
	ExtHost string `yaml:"ext_host"`
	ExtPort int    `yaml:"ext_port"`
}

type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type LinkConfig struct {
	SendQueue int `yaml:"send_queue"`
}

type MonitorConfig struct {
	CallbackBuffer int `yaml:"callback_buffer"`
}

// DefaultExtPort is the well-known loopback port the browser extension
// connects to.
const DefaultExtPort = 14591

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ExtHost: "127.0.0.1",
			ExtPort: DefaultExtPort,
		},
		Bus: BusConfig{
			SubscriberBuffer: 64,
		},
		Link: LinkConfig{
			SendQueue: 32,
		},
		Monitor: MonitorConfig{
			CallbackBuffer: 256,
		},
	}
}

// Load reads the yaml config at path on top of the defaults. A missing
// file is not an error; the engine runs fine on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the single supported environment override,
// MIXDECK_EXT_PORT. Invalid values are ignored.
func (c *Config) applyEnv() {
	if v := os.Getenv("MIXDECK_EXT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			c.Server.ExtPort = port
		}
	}
}
