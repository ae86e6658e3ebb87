// Package config provides configuration management for the list server.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// RunnerNames lists every queue runner the master knows how to start.
var RunnerNames = []string{
	"in", "pipeline", "out", "retry", "bounces", "news", "archive",
	"digest", "virgin", "command", "maildir", "lmtp",
}

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows listd to share a single config file with smtpd and msgstore.
type FileConfig struct {
	Listd Config `toml:"listd"`
}

// Config holds the complete list server configuration.
type Config struct {
	Hostname  string `toml:"hostname"`
	LogLevel  string `toml:"log_level"`
	VarDir    string `toml:"var_dir"`
	SiteOwner string `toml:"site_owner"`

	// PendingLifetime bounds how long confirmation tokens stay valid.
	PendingLifetime string `toml:"pending_request_life"`
	// EmailCommandsMaxLines bounds how many body lines are scanned for
	// email commands.
	EmailCommandsMaxLines int `toml:"email_commands_max_lines"`

	Lock          LockConfig          `toml:"lock"`
	Runners       []RunnerConfig      `toml:"runners"`
	MTA           MTAConfig           `toml:"mta"`
	LMTP          LMTPConfig          `toml:"lmtp"`
	Redis         RedisConfig         `toml:"redis"`
	Approval      ApprovalConfig      `toml:"approval"`
	Maildir       MaildirConfig       `toml:"maildir"`
	Digests       DigestsConfig       `toml:"digests"`
	Antispam      AntispamConfig      `toml:"antispam"`
	ContentFilter ContentFilterConfig `toml:"content_filter"`
	Archiver      ArchiverConfig      `toml:"archiver"`
	NNTP          NNTPConfig          `toml:"nntp"`
	Defaults      DefaultsConfig      `toml:"defaults"`
	Metrics       MetricsConfig       `toml:"metrics"`
}

// LockConfig controls the master lock.
type LockConfig struct {
	Lifetime string `toml:"lifetime"`
	Refresh  string `toml:"refresh"`
}

// RunnerConfig describes one queue runner and how many slices it gets.
type RunnerConfig struct {
	Name        string `toml:"name"`
	Instances   int    `toml:"instances"`
	Start       *bool  `toml:"start"`
	Sleep       string `toml:"sleep"`
	MaxRestarts int    `toml:"max_restarts"`
}

// MTAConfig holds the outgoing SMTP and VERP settings.
type MTAConfig struct {
	SMTPHost                 string `toml:"smtp_host"`
	SMTPPort                 int    `toml:"smtp_port"`
	SMTPUser                 string `toml:"smtp_user"`
	SMTPPass                 string `toml:"smtp_pass"`
	ConnectTimeout           string `toml:"connect_timeout"`
	MaxRecipients            int    `toml:"max_recipients"`
	MaxSessionsPerConnection int    `toml:"max_sessions_per_connection"`
	DeliveryRetryPeriod      string `toml:"delivery_retry_period"`
	RetrySnooze              string `toml:"retry_snooze"`

	VERPFormat                 string `toml:"verp_format"`
	VERPRegexp                 string `toml:"verp_regexp"`
	VERPProbeFormat            string `toml:"verp_probe_format"`
	VERPProbeRegexp            string `toml:"verp_probe_regexp"`
	VERPDeliveryInterval       int    `toml:"verp_delivery_interval"`
	VERPPersonalizedDeliveries bool   `toml:"verp_personalized_deliveries"`
	VERPProbes                 bool   `toml:"verp_probes"`

	MaxAutoresponsesPerDay int        `toml:"max_autoresponses_per_day"`
	RemoveDKIMHeaders      bool       `toml:"remove_dkim_headers"`
	DKIM                   DKIMConfig `toml:"dkim"`
}

// DKIMConfig enables re-signing of outgoing list mail.
type DKIMConfig struct {
	Enabled  bool     `toml:"enabled"`
	Domain   string   `toml:"domain"`
	Selector string   `toml:"selector"`
	KeyFile  string   `toml:"key_file"`
	Headers  []string `toml:"headers"`
}

// LMTPConfig holds the LMTP listener settings.
type LMTPConfig struct {
	Address        string `toml:"address"`
	MaxMessageSize int64  `toml:"max_message_size"`
	ReadTimeout    string `toml:"read_timeout"`
}

// RedisConfig holds the connection settings for the pending-token store.
type RedisConfig struct {
	Address   string `toml:"address"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// ApprovalConfig selects the credential backend used to verify
// pre-approval passwords. An empty Type disables pre-approval.
type ApprovalConfig struct {
	Type              string            `toml:"type"`
	CredentialBackend string            `toml:"credential_backend"`
	KeyBackend        string            `toml:"key_backend"`
	Options           map[string]string `toml:"options"`
}

// MaildirConfig selects the message store drained by the maildir runner.
type MaildirConfig struct {
	Type     string            `toml:"type"`
	BasePath string            `toml:"base_path"`
	Mailbox  string            `toml:"mailbox"`
	Options  map[string]string `toml:"options"`
}

// DigestsConfig lists the headers kept on messages inside digests.
type DigestsConfig struct {
	MIMEKeepHeaders  []string `toml:"mime_digest_keep_headers"`
	PlainKeepHeaders []string `toml:"plain_digest_keep_headers"`
}

// AntispamConfig holds the site-wide header checks and the optional
// rspamd scanner consulted by the header-match chain.
type AntispamConfig struct {
	HeaderChecks []string     `toml:"header_checks"`
	JumpChain    string       `toml:"jump_chain"`
	Rspamd       RspamdConfig `toml:"rspamd"`
}

// RspamdConfig holds settings for rspamd spam checking.
type RspamdConfig struct {
	URL       string  `toml:"url"`
	Password  string  `toml:"password"`
	Timeout   string  `toml:"timeout"`
	Threshold float64 `toml:"threshold"`
	// FailMode is "open" (treat as ham) or "closed" (treat as spam) when
	// rspamd cannot be reached.
	FailMode string `toml:"fail_mode"`
}

// ContentFilterConfig holds settings for MIME content filtering.
type ContentFilterConfig struct {
	HTMLToPlainTextCommand string `toml:"html_to_plain_text_command"`
	Timeout                string `toml:"timeout"`
}

// ArchiverConfig holds archiver settings.
type ArchiverConfig struct {
	Enabled     []string `toml:"enabled"`
	BaseURL     string   `toml:"base_url"`
	ClobberDate string   `toml:"clobber_date"`
	ClobberSkew string   `toml:"clobber_skew"`
}

// NNTPConfig holds the news server used by the news runner.
type NNTPConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	RemoveHeaders []string `toml:"remove_headers"`
	// RewriteHeaders holds source, target pairs. Second and later
	// occurrences of a source header are moved to its target.
	RewriteHeaders []string `toml:"rewrite_duplicate_headers"`
}

// DefaultsConfig holds the system-wide member preferences that apply when
// neither the membership, the address nor the user sets one.
type DefaultsConfig struct {
	ReceiveOwnPostings *bool  `toml:"receive_own_postings"`
	ReceiveListCopy    *bool  `toml:"receive_list_copy"`
	AcknowledgePosts   *bool  `toml:"acknowledge_posts"`
	PreferredLanguage  string `toml:"preferred_language"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
	// RunnerPortBase, when non-zero, makes runner k serve its own metrics
	// on port RunnerPortBase+k.
	RunnerPortBase int `toml:"runner_port_base"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname:              "localhost",
		LogLevel:              "info",
		VarDir:                "/var/lib/listd",
		SiteOwner:             "postmaster@localhost",
		PendingLifetime:       "72h",
		EmailCommandsMaxLines: 10,
		Lock: LockConfig{
			Lifetime: "30h",
			Refresh:  "24h",
		},
		Runners: DefaultRunners(),
		MTA: MTAConfig{
			SMTPHost:            "localhost",
			SMTPPort:            25,
			ConnectTimeout:      "30s",
			MaxRecipients:       500,
			DeliveryRetryPeriod: "120h",
			RetrySnooze:         "15m",
			VERPFormat:          "${bounces}+${local}=${domain}",
			VERPRegexp:          `^(?P<bounces>[^+]+?)\+(?P<local>.+)=(?P<domain>[^=@]+)@.*$`,
			VERPProbeFormat:     "${bounces}+${token}",
			VERPProbeRegexp:     `^(?P<bounces>[^+]+?)\+(?P<token>[^@]+)@.*$`,

			MaxAutoresponsesPerDay: 10,
		},
		LMTP: LMTPConfig{
			Address:        "127.0.0.1:8024",
			MaxMessageSize: 26214400, // 25 MB
			ReadTimeout:    "5m",
		},
		Redis: RedisConfig{
			Address:   "127.0.0.1:6379",
			KeyPrefix: "listd:",
		},
		Maildir: MaildirConfig{
			Type:    "maildir",
			Mailbox: "INBOX",
		},
		Digests: DigestsConfig{
			MIMEKeepHeaders: []string{
				"From", "To", "Cc", "Subject", "Date", "Message-ID", "Keywords",
				"In-Reply-To", "References", "Content-Type", "MIME-Version",
				"Content-Transfer-Encoding", "Precedence", "Reply-To", "Message",
			},
			PlainKeepHeaders: []string{
				"Message", "Date", "From", "Subject", "To", "Cc", "Message-ID", "Keywords",
				"Content-Type",
			},
		},
		Antispam: AntispamConfig{
			JumpChain: "hold",
		},
		ContentFilter: ContentFilterConfig{
			HTMLToPlainTextCommand: "/usr/bin/lynx -dump $filename",
			Timeout:                "30s",
		},
		Archiver: ArchiverConfig{
			Enabled:     []string{"mbox"},
			ClobberDate: "maybe",
			ClobberSkew: "24h",
		},
		NNTP: NNTPConfig{
			Port: 119,
			RemoveHeaders: []string{
				"NNTP-Posting-Host", "NNTP-Posting-Date", "X-Trace",
				"X-Complaints-To", "Xref", "Date-Received", "Posted",
				"Posting-Version", "Relay-Version", "Received",
			},
			RewriteHeaders: []string{
				"To", "X-Original-To",
				"Cc", "X-Original-Cc",
				"Content-Transfer-Encoding", "X-Original-Content-Transfer-Encoding",
			},
		},
		Defaults: DefaultsConfig{
			PreferredLanguage: "en",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9110",
			Path:    "/metrics",
		},
	}
}

// DefaultRunners returns the runner set started when the config names none.
func DefaultRunners() []RunnerConfig {
	off := false
	runners := make([]RunnerConfig, 0, len(RunnerNames))
	for _, name := range RunnerNames {
		rc := RunnerConfig{Name: name, Instances: 1, Sleep: "1s", MaxRestarts: 10}
		if name == "maildir" {
			rc.Start = &off
		}
		runners = append(runners, rc)
	}
	return runners
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if c.VarDir == "" {
		return errors.New("var_dir is required")
	}

	if c.SiteOwner == "" {
		return errors.New("site_owner is required")
	}

	seen := make(map[string]bool)
	for i, r := range c.Runners {
		if !isKnownRunner(r.Name) {
			return fmt.Errorf("runner %d: unknown runner %q", i, r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("runner %d: duplicate runner %q", i, r.Name)
		}
		seen[r.Name] = true
		if !isPowerOfTwo(r.Instances) {
			return fmt.Errorf("runner %s: instances must be a power of two, got %d", r.Name, r.Instances)
		}
		if r.Sleep != "" {
			if _, err := time.ParseDuration(r.Sleep); err != nil {
				return fmt.Errorf("runner %s: invalid sleep: %w", r.Name, err)
			}
		}
	}

	durations := map[string]string{
		"lock lifetime":          c.Lock.Lifetime,
		"lock refresh":           c.Lock.Refresh,
		"pending_request_life":   c.PendingLifetime,
		"connect_timeout":        c.MTA.ConnectTimeout,
		"delivery_retry_period":  c.MTA.DeliveryRetryPeriod,
		"retry_snooze":           c.MTA.RetrySnooze,
		"lmtp read_timeout":      c.LMTP.ReadTimeout,
		"content_filter timeout": c.ContentFilter.Timeout,
		"rspamd timeout":         c.Antispam.Rspamd.Timeout,
		"archiver clobber_skew":  c.Archiver.ClobberSkew,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.MTA.SMTPPort <= 0 {
		return errors.New("smtp_port must be positive")
	}

	switch c.Archiver.ClobberDate {
	case "", "always", "never", "maybe":
	default:
		return fmt.Errorf("invalid archiver clobber_date %q (valid: always, never, maybe)", c.Archiver.ClobberDate)
	}

	switch c.Antispam.Rspamd.FailMode {
	case "", "open", "closed":
	default:
		return fmt.Errorf("invalid rspamd fail_mode %q (valid: open, closed)", c.Antispam.Rspamd.FailMode)
	}

	if c.MTA.DKIM.Enabled {
		if c.MTA.DKIM.Domain == "" || c.MTA.DKIM.Selector == "" || c.MTA.DKIM.KeyFile == "" {
			return errors.New("dkim domain, selector and key_file are required when dkim is enabled")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// Path joins elem onto the var directory.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.VarDir}, elem...)...)
}

// QueueDir returns the directory holding the named queue.
func (c *Config) QueueDir(name string) string {
	return c.Path("qfiles", name)
}

// ListDataDir returns the per-list data directory.
func (c *Config) ListDataDir(fqdnListname string) string {
	return c.Path("lists", fqdnListname)
}

// Runner returns the configuration of the named runner.
func (c *Config) Runner(name string) (RunnerConfig, bool) {
	for _, r := range c.Runners {
		if r.Name == name {
			return r, true
		}
	}
	return RunnerConfig{}, false
}

// Enabled reports whether the master starts this runner.
func (r RunnerConfig) Enabled() bool {
	return r.Start == nil || *r.Start
}

// SleepTime returns the idle sleep as a time.Duration.
// Returns 1 second if not configured or invalid.
func (r RunnerConfig) SleepTime() time.Duration {
	return parseDuration(r.Sleep, time.Second)
}

// LockLifetime returns how long the master lock is valid.
// Returns 30 hours if not configured or invalid.
func (c *LockConfig) LockLifetime() time.Duration {
	return parseDuration(c.Lifetime, 30*time.Hour)
}

// RefreshInterval returns how often the master refreshes its lock.
// Returns 24 hours if not configured or invalid.
func (c *LockConfig) RefreshInterval() time.Duration {
	return parseDuration(c.Refresh, 24*time.Hour)
}

// CheckTimeout returns the rspamd request timeout.
// Returns 10 seconds if not configured or invalid.
func (c *RspamdConfig) CheckTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// PendingLife returns the confirmation token lifetime.
func (c *Config) PendingLife() time.Duration {
	return parseDuration(c.PendingLifetime, 72*time.Hour)
}

// Timeout returns the SMTP connect timeout.
func (c *MTAConfig) Timeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 30*time.Second)
}

// RetryPeriod returns how long temporary failures are retried.
// Returns 5 days if not configured or invalid.
func (c *MTAConfig) RetryPeriod() time.Duration {
	return parseDuration(c.DeliveryRetryPeriod, 120*time.Hour)
}

// Snooze returns the wait between delivery attempts.
func (c *MTAConfig) Snooze() time.Duration {
	return parseDuration(c.RetrySnooze, 15*time.Minute)
}

// SMTPAddress returns host:port of the outgoing MTA.
func (c *MTAConfig) SMTPAddress() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}

// Timeout returns the per-command read timeout for LMTP sessions.
func (c *LMTPConfig) Timeout() time.Duration {
	return parseDuration(c.ReadTimeout, 5*time.Minute)
}

// CommandTimeout returns the deadline for the HTML conversion command.
func (c *ContentFilterConfig) CommandTimeout() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// Skew returns the tolerated distance between Date and arrival time.
func (c *ArchiverConfig) Skew() time.Duration {
	return parseDuration(c.ClobberSkew, 24*time.Hour)
}

// Address returns host:port of the news server, or "" when unset.
func (c *NNTPConfig) Address() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func isKnownRunner(name string) bool {
	for _, n := range RunnerNames {
		if n == name {
			return true
		}
	}
	return false
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
