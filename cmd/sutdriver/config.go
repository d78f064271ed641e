package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig is the CLI-layer configuration: where to find the TOML config
// and script files, plus logging/metrics/mDNS knobs. The TOML config file
// itself carries the console sub-configs; bootstrap reads it and applies it
// through a driver.SetConfigReq.
type appConfig struct {
	configPath      string
	scriptPath      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags(args []string) (*appConfig, bool, error) {
	cfg, show, rest, err := parseFlagsRest(args)
	_ = rest
	return cfg, show, err
}

// parseFlagsRest is parseFlags plus the leftover positional arguments flag
// parsing stopped at (e.g. vnc-do's "move 10 20" action words).
func parseFlagsRest(args []string) (*appConfig, bool, []string, error) {
	fs := flag.NewFlagSet("sutdriver", flag.ContinueOnError)
	cfg := &appConfig{}
	configPath := fs.String("config", "", "Path to the TOML configuration file")
	scriptPath := fs.String("script", "", "Path to a newline-delimited JSON request script")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := fs.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default sutdriver-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, nil, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.configPath = *configPath
	cfg.scriptPath = *scriptPath
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, nil, err
	}
	if *showVersion {
		return cfg, true, fs.Args(), nil
	}
	if err := cfg.validate(); err != nil {
		return nil, false, nil, err
	}
	return cfg, false, fs.Args(), nil
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.configPath == "" {
		return errors.New("--config is required")
	}
	return nil
}

// applyEnvOverrides maps SUTDRIVER_* environment variables to config fields
// unless a corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["config"]; !ok {
		if v, ok := get("SUTDRIVER_CONFIG"); ok && v != "" {
			c.configPath = v
		}
	}
	if _, ok := set["script"]; !ok {
		if v, ok := get("SUTDRIVER_SCRIPT"); ok && v != "" {
			c.scriptPath = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("SUTDRIVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("SUTDRIVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SUTDRIVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("SUTDRIVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SUTDRIVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("SUTDRIVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("SUTDRIVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

// parseIntArg is a small helper the vnc-do verb uses for its x/y arguments.
func parseIntArg(s string) (int, error) {
	return strconv.Atoi(s)
}
