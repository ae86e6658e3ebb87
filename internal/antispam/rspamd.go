package antispam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/config"
)

// rspamd's action names.
const (
	rspamdNoAction       = "no action"
	rspamdGreylist       = "greylist"
	rspamdAddHeader      = "add header"
	rspamdRewriteSubject = "rewrite subject"
	rspamdSoftReject     = "soft reject"
	rspamdReject         = "reject"
)

type rspamdResult struct {
	Score         float64 `json:"score"`
	RequiredScore float64 `json:"required_score"`
	Action        string  `json:"action"`
	IsSpam        bool    `json:"is_spam"`
	Milter        *struct {
		AddHeaders map[string]struct {
			Value string `json:"value"`
		} `json:"add_headers"`
	} `json:"milter,omitempty"`
}

// Rspamd is a Checker backed by the rspamd HTTP protocol.
type Rspamd struct {
	baseURL  string
	password string
	client   *http.Client
}

// NewRspamd returns a checker talking to the rspamd controller at baseURL.
func NewRspamd(baseURL, password string, timeout time.Duration) *Rspamd {
	return &Rspamd{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// FromConfig returns a Filter for the configured scanner, or nil when no
// scanner is configured.
func FromConfig(cfg config.RspamdConfig) *Filter {
	if cfg.URL == "" {
		return nil
	}
	mode := FailOpen
	if cfg.FailMode == string(FailClosed) {
		mode = FailClosed
	}
	return &Filter{
		Checker:   NewRspamd(cfg.URL, cfg.Password, cfg.CheckTimeout()),
		Threshold: cfg.Threshold,
		FailMode:  mode,
	}
}

func (c *Rspamd) Name() string { return "rspamd" }

// Check posts the message to /checkv2.
func (c *Rspamd) Check(ctx context.Context, raw []byte, opts Options) (*Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkv2", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if opts.From != "" {
		req.Header.Set("From", opts.From)
	}
	for _, rcpt := range opts.Recipients {
		req.Header.Add("Rcpt", rcpt)
	}
	if opts.Hostname != "" {
		req.Header.Set("Hostname", opts.Hostname)
	}
	if opts.QueueID != "" {
		req.Header.Set("Queue-Id", opts.QueueID)
	}
	if c.password != "" {
		req.Header.Set("Password", c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rspamd returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r rspamdResult
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return convert(&r), nil
}

func convert(r *rspamdResult) *Verdict {
	v := &Verdict{
		Checker: "rspamd",
		Score:   r.Score,
		IsSpam:  r.IsSpam,
		Headers: make(map[string]string),
	}
	switch r.Action {
	case rspamdReject:
		v.Action = ActionReject
	case rspamdSoftReject, rspamdGreylist:
		v.Action = ActionTempFail
	case rspamdAddHeader, rspamdRewriteSubject:
		v.Action = ActionFlag
	default:
		v.Action = ActionAccept
	}

	status, flag := "No", "NO"
	if r.IsSpam {
		status, flag = "Yes", "YES"
	}
	v.Headers["X-Spam-Status"] = fmt.Sprintf("%s, score=%.2f required=%.2f", status, r.Score, r.RequiredScore)
	v.Headers["X-Spam-Score"] = fmt.Sprintf("%.2f", r.Score)
	v.Headers["X-Spam-Flag"] = flag
	v.Headers["X-Spam-Checker"] = "rspamd"
	if r.Milter != nil {
		for name, hv := range r.Milter.AddHeaders {
			if !strings.HasPrefix(strings.ToLower(name), "x-spam-") {
				v.Headers[name] = hv.Value
			}
		}
	}
	return v
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (c *Rspamd) Close() error {
	return nil
}

// Ping checks that rspamd answers.
func (c *Rspamd) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.password != "" {
		req.Header.Set("Password", c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rspamd returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Checker = (*Rspamd)(nil)
