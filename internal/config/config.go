package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	core "evvosfix/internal/core"
)

// DefaultPath is where the device keeps evvosfix overrides.
const DefaultPath = "/etc/evvos/evvosfix.yaml"

// Config is the top-level configuration. Every field has a device default.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	StateDir  string          `yaml:"state_dir"`
	Backups   BackupsConfig   `yaml:"backups"`
	Service   ServiceConfig   `yaml:"service"`
	Python    PythonConfig    `yaml:"python"`
	BLEName   BLENameConfig   `yaml:"ble_name"`
	CharFlags CharFlagsConfig `yaml:"char_flags"`
	Camera    CameraConfig    `yaml:"camera"`
}

// LoggerConfig holds slog settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// BackupsConfig controls retention of timestamped backups.
type BackupsConfig struct {
	Keep int `yaml:"keep"` // 0 keeps all
}

// ServiceConfig controls the systemd poll loops.
type ServiceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Settle       time.Duration `yaml:"settle"` // a started unit must stay active this long
	LogLines     int           `yaml:"log_lines"`
}

// PythonConfig selects the interpreter used for compile checks.
type PythonConfig struct {
	Interpreter string        `yaml:"interpreter"`
	Timeout     time.Duration `yaml:"timeout"`
}

type BLENameConfig struct {
	Alias   string `yaml:"alias"`
	Adapter string `yaml:"adapter"` // empty picks the first adapter
	Service string `yaml:"service"`
	Persist bool   `yaml:"persist"` // also patch BT_DEVICE_NAME in Script
	Script  string `yaml:"script"`
}

type CharFlagsConfig struct {
	Target  string `yaml:"target"`
	Service string `yaml:"service"`
}

type CameraConfig struct {
	Target  string `yaml:"target"`
	Service string `yaml:"service"`
}

// Defaults returns the configuration of a stock EVVOS device.
func Defaults() *Config {
	return &Config{
		Logger:   LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		StateDir: "/var/lib/evvosfix",
		Service: ServiceConfig{
			PollInterval: 500 * time.Millisecond,
			Timeout:      15 * time.Second,
			Settle:       2 * time.Second,
			LogLines:     20,
		},
		Python: PythonConfig{Interpreter: "python3", Timeout: 20 * time.Second},
		BLEName: BLENameConfig{
			Alias:   "EVVOS_0001",
			Service: "evvos-ble-provision",
			Persist: true,
			Script:  "/opt/evvos/evvos_ble_provision.py",
		},
		CharFlags: CharFlagsConfig{
			Target:  "/opt/evvos/evvos_ble_provision.py",
			Service: "evvos-ble-provision",
		},
		Camera: CameraConfig{
			Target:  "/opt/evvos/evvos_camera_stream.py",
			Service: "evvos-camera",
		},
	}
}

// Path returns the config path from EVVOSFIX_CONFIG or the default.
func Path() string {
	if p := os.Getenv("EVVOSFIX_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads a YAML config over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ApplyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyEnvOverrides applies EVVOSFIX_* environment variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVVOSFIX_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("EVVOSFIX_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("EVVOSFIX_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("EVVOSFIX_BLE_ALIAS"); v != "" {
		cfg.BLEName.Alias = v
	}
	if v := os.Getenv("EVVOSFIX_BACKUP_KEEP"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Backups.Keep = n
		}
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if err := core.ValidateAlias(c.BLEName.Alias); err != nil {
		errs = append(errs, fmt.Errorf("ble_name.alias: %w", err))
	}
	for name, p := range map[string]string{
		"char_flags.target": c.CharFlags.Target,
		"camera.target":     c.Camera.Target,
		"ble_name.script":   c.BLEName.Script,
		"state_dir":         c.StateDir,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s: must be an absolute path, got %q", name, p))
		}
	}
	if c.Backups.Keep < 0 {
		errs = append(errs, errors.New("backups.keep: must be >= 0"))
	}
	if c.Service.PollInterval <= 0 || c.Service.Timeout <= 0 {
		errs = append(errs, errors.New("service: poll_interval and timeout must be positive"))
	}
	if c.Service.Settle < 0 {
		errs = append(errs, errors.New("service: settle must not be negative"))
	}
	if c.Python.Interpreter == "" {
		errs = append(errs, errors.New("python.interpreter: required"))
	}
	return errors.Join(errs...)
}
