package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/config"
)

// HTMLConverter turns HTML into plain text.
type HTMLConverter interface {
	Convert(ctx context.Context, html []byte) (string, error)
}

// ExecHTMLConverter writes the HTML to a temporary file and runs an
// external command over it. The command line is split on whitespace and
// $filename in any argument is replaced with the temporary file's path.
// The command's standard output is the plain text.
type ExecHTMLConverter struct {
	Command string
	Timeout time.Duration
}

// NewHTMLConverter returns the converter configured for the site.
func NewHTMLConverter(cfg config.ContentFilterConfig) *ExecHTMLConverter {
	return &ExecHTMLConverter{
		Command: cfg.HTMLToPlainTextCommand,
		Timeout: cfg.CommandTimeout(),
	}
}

// Convert runs the command over html.
func (c *ExecHTMLConverter) Convert(ctx context.Context, html []byte) (string, error) {
	args := strings.Fields(c.Command)
	if len(args) == 0 {
		return "", errors.New("html converter: no command configured")
	}

	f, err := os.CreateTemp("", "listd-*.html")
	if err != nil {
		return "", fmt.Errorf("html converter: %w", err)
	}
	filename := f.Name()
	defer os.Remove(filename) //nolint:errcheck
	if _, err := f.Write(html); err != nil {
		f.Close() //nolint:errcheck
		return "", fmt.Errorf("html converter: writing %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("html converter: writing %s: %w", filename, err)
	}

	for i, a := range args {
		args[i] = os.Expand(a, func(key string) string {
			if key == "filename" {
				return filename
			}
			return "$" + key
		})
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("html converter: %w: %s", err, stderr.Bytes())
	}
	return string(out), nil
}
