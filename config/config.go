package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/xhd2015/dbgwatch/debug"
)

const (
	EngineDAP      = debug.EngineDAP
	EngineHeadless = debug.EngineHeadless

	DefaultExitCodeAppCrash = 254
	DefaultConnectTimeout   = 30
	DefaultLogLevel         = "info"
)

// Config holds the run settings. Durations are whole seconds, as in the config file.
type Config struct {
	ConnectURL            string `yaml:"connect_url"`
	DeviceApp             string `yaml:"device_app"`
	Args                  string `yaml:"args"`
	Command               string `yaml:"command"`
	Engine                string `yaml:"engine"`
	TimeToLive            int    `yaml:"time_to_live"`
	DetectDeadlockTimeout int    `yaml:"detect_deadlock_timeout"`
	ExitCodeAppCrash      int    `yaml:"exitcode_app_crash"`
	OutputPath            string `yaml:"output_path"`
	ErrorPath             string `yaml:"error_path"`
	ConnectTimeout        int    `yaml:"connect_timeout"`
	LogFile               string `yaml:"log_file"`
	LogLevel              string `yaml:"log_level"`
}

// Default returns the settings used when neither file nor flags say otherwise
func Default() Config {
	return Config{
		Engine:           EngineDAP,
		ExitCodeAppCrash: DefaultExitCodeAppCrash,
		ConnectTimeout:   DefaultConnectTimeout,
		LogFile:          DefaultLogFile(),
		LogLevel:         DefaultLogLevel,
	}
}

// DefaultLogFile is ~/.dbgwatch/dbgwatch.log, or a file in the temp dir when there is no home
func DefaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".dbgwatch", "dbgwatch.log")
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Flags are the command line overrides, bound to a flag set by AddFlags
type Flags struct {
	fs  *pflag.FlagSet
	val Config
}

// AddFlags registers one flag per setting on fs
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()
	fs.StringVar(&f.val.ConnectURL, "connect", "", "Remote debug server URL, e.g. connect://127.0.0.1:12345")
	fs.StringVar(&f.val.DeviceApp, "app", "", "Path of the application on the device")
	fs.StringVar(&f.val.Args, "args", "", "Extra launch arguments, shell quoted")
	fs.StringVar(&f.val.Command, "command", "", "Launch command; tokens after '--' are passed to the application")
	fs.StringVar(&f.val.Engine, "engine", d.Engine, "Debugger engine: 'dap' or 'headless'")
	fs.IntVar(&f.val.TimeToLive, "time-to-live", 0, "Stop the application after this many seconds, 0 for no limit")
	fs.IntVar(&f.val.DetectDeadlockTimeout, "detect-deadlock-timeout", 0, "Print all backtraces after this many seconds, then every 5 seconds; 0 disables")
	fs.IntVar(&f.val.ExitCodeAppCrash, "exitcode-app-crash", d.ExitCodeAppCrash, "Exit code when the application stops, crashes or is detached")
	fs.StringVar(&f.val.OutputPath, "output", "", "File for the application's stdout, default stdout")
	fs.StringVar(&f.val.ErrorPath, "error-output", "", "File for the application's stderr, default stdout")
	fs.IntVar(&f.val.ConnectTimeout, "connect-timeout", d.ConnectTimeout, "Seconds to wait for the connection")
	fs.StringVar(&f.val.LogFile, "log-file", d.LogFile, "Diagnostic log file")
	fs.StringVarP(&f.val.LogLevel, "verbosity", "v", d.LogLevel, "Log level: 'debug', 'info' or 'error'")
	return f
}

// Apply copies the flags given on the command line over cfg
func (f *Flags) Apply(cfg *Config) {
	set := func(name string, apply func()) {
		if f.fs.Changed(name) {
			apply()
		}
	}
	set("connect", func() { cfg.ConnectURL = f.val.ConnectURL })
	set("app", func() { cfg.DeviceApp = f.val.DeviceApp })
	set("args", func() { cfg.Args = f.val.Args })
	set("command", func() { cfg.Command = f.val.Command })
	set("engine", func() { cfg.Engine = f.val.Engine })
	set("time-to-live", func() { cfg.TimeToLive = f.val.TimeToLive })
	set("detect-deadlock-timeout", func() { cfg.DetectDeadlockTimeout = f.val.DetectDeadlockTimeout })
	set("exitcode-app-crash", func() { cfg.ExitCodeAppCrash = f.val.ExitCodeAppCrash })
	set("output", func() { cfg.OutputPath = f.val.OutputPath })
	set("error-output", func() { cfg.ErrorPath = f.val.ErrorPath })
	set("connect-timeout", func() { cfg.ConnectTimeout = f.val.ConnectTimeout })
	set("log-file", func() { cfg.LogFile = f.val.LogFile })
	set("verbosity", func() { cfg.LogLevel = f.val.LogLevel })
}

// Validate checks the settings every subcommand needs. requireApp is set by the subcommands that launch.
func (c Config) Validate(requireApp bool) error {
	var errs []error
	if c.ConnectURL == "" {
		errs = append(errs, errors.New("connect url is required"))
	}
	if requireApp && c.DeviceApp == "" {
		errs = append(errs, errors.New("device app is required"))
	}
	switch c.Engine {
	case EngineDAP, EngineHeadless:
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q, use %q or %q", c.Engine, EngineDAP, EngineHeadless))
	}
	if c.TimeToLive < 0 {
		errs = append(errs, fmt.Errorf("time to live must not be negative, got %d", c.TimeToLive))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect timeout must be positive, got %d", c.ConnectTimeout))
	}
	if c.ExitCodeAppCrash < 0 || c.ExitCodeAppCrash > 255 {
		errs = append(errs, fmt.Errorf("app crash exit code must be within 0-255, got %d", c.ExitCodeAppCrash))
	}
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func (c Config) TTL() time.Duration {
	return time.Duration(c.TimeToLive) * time.Second
}

func (c Config) DeadlockTimeout() time.Duration {
	return time.Duration(c.DetectDeadlockTimeout) * time.Second
}

func (c Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}
