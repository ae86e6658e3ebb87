package config

import (
	"os"
	"strconv"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("LISTD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("LISTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LISTD_VAR_DIR"); v != "" {
		cfg.VarDir = v
	}
	if v := os.Getenv("LISTD_SITE_OWNER"); v != "" {
		cfg.SiteOwner = v
	}
	if v := os.Getenv("LISTD_SMTP_HOST"); v != "" {
		cfg.MTA.SMTPHost = v
	}
	if v := os.Getenv("LISTD_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.MTA.SMTPPort = port
		}
	}
	if v := os.Getenv("LISTD_SMTP_USER"); v != "" {
		cfg.MTA.SMTPUser = v
	}
	if v := os.Getenv("LISTD_SMTP_PASS"); v != "" {
		cfg.MTA.SMTPPass = v
	}
	if v := os.Getenv("LISTD_LMTP_ADDRESS"); v != "" {
		cfg.LMTP.Address = v
	}
	if v := os.Getenv("LISTD_REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("LISTD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LISTD_RSPAMD_URL"); v != "" {
		cfg.Antispam.Rspamd.URL = v
	}
	if v := os.Getenv("LISTD_RSPAMD_PASSWORD"); v != "" {
		cfg.Antispam.Rspamd.Password = v
	}
	if v := os.Getenv("LISTD_MAILDIR_PATH"); v != "" {
		cfg.Maildir.BasePath = v
	}
	return cfg
}
