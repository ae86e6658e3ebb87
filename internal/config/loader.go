package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath  string
	Hostname    string
	LogLevel    string
	VarDir      string
	SMTPHost    string
	SMTPPort    int
	LMTPAddress string
}

// ParseFlags registers the shared flags on the default flag set, parses
// the command line and returns the values. Subcommands register their own
// flags before calling it.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./listd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.VarDir, "var-dir", "", "Directory holding queues, lists and logs")
	flag.StringVar(&f.SMTPHost, "smtp-host", "", "Outgoing MTA host")
	flag.IntVar(&f.SMTPPort, "smtp-port", 0, "Outgoing MTA port")
	flag.StringVar(&f.LMTPAddress, "lmtp", "", "LMTP listen address")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Decode over the defaults so absent keys keep their default value.
	// The runner table is replaced wholesale when the file has one.
	fileConfig := FileConfig{Listd: cfg}
	fileConfig.Listd.Runners = nil
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return Default(), fmt.Errorf("parsing config file: %w", err)
	}

	cfg = fileConfig.Listd
	if len(cfg.Runners) == 0 {
		cfg.Runners = DefaultRunners()
	}
	for i := range cfg.Runners {
		if cfg.Runners[i].Instances == 0 {
			cfg.Runners[i].Instances = 1
		}
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.VarDir != "" {
		cfg.VarDir = f.VarDir
	}

	if f.SMTPHost != "" {
		cfg.MTA.SMTPHost = f.SMTPHost
	}

	if f.SMTPPort > 0 {
		cfg.MTA.SMTPPort = f.SMTPPort
	}

	if f.LMTPAddress != "" {
		cfg.LMTP.Address = f.LMTPAddress
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(ApplyEnv(cfg), f), nil
}
