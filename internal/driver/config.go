package driver

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// SerialConfig names a serial device connection.
type SerialConfig struct {
	Device      string        `toml:"device"`
	Baud        int           `toml:"baud"`
	ReadTimeout time.Duration `toml:"read_timeout"`
}

// SSHConfig names an SSH endpoint and credentials.
type SSHConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// VNCConfig names a VNC endpoint plus the on-disk directories the needle
// matcher and screenshot writer use.
type VNCConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Password      string `toml:"password"`
	NeedleDir     string `toml:"needle_dir"`
	ScreenshotDir string `toml:"screenshot_dir"`
}

// TtySetting mirrors the shell-echo/linebreak behavior expected of whatever
// shell runs on the serial/SSH console.
type TtySetting struct {
	DisableEcho bool   `toml:"disable_echo"`
	Linebreak   string `toml:"linebreak"`
}

// Config is the parsed TOML configuration: optional console sub-configs,
// an env passthrough map exposed to scripts, and the shared TtySetting.
type Config struct {
	Serial *SerialConfig     `toml:"serial"`
	SSH    *SSHConfig        `toml:"ssh"`
	VNC    *VNCConfig        `toml:"vnc"`
	Env    map[string]string `toml:"env"`
	Tty    TtySetting        `toml:"tty"`
}

// ParseConfig unmarshals a TOML document into a Config, defaulting
// Linebreak to "\n" when absent (an empty linebreak would make every
// exec() anchor unmatchable).
func ParseConfig(raw string) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, newError(KindConfigInvalid, "parse toml: %v", err)
	}
	if cfg.Tty.Linebreak == "" {
		cfg.Tty.Linebreak = "\n"
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	return &cfg, nil
}

// LoadConfigFile reads and parses a TOML config file from disk.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(string(raw))
}
