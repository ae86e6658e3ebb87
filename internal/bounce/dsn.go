package bounce

import (
	"bufio"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/infodancer/listd/internal/email"
)

// DSN is what a delivery status notification says about its recipients.
type DSN struct {
	// Failed recipients are permanent failures.
	Failed []string
	// Delayed recipients are still being retried by the remote MTA.
	Delayed []string
}

// ScanDSN reads every message/delivery-status part of msg.
func ScanDSN(msg *email.Message) DSN {
	var out DSN
	seen := map[string]bool{}
	_ = msg.Walk(func(part *email.Message) error {
		if part.IsMultipart() || part.MediaType() != "message/delivery-status" {
			return nil
		}
		body, err := part.Text()
		if err != nil {
			body = string(part.Body)
		}
		for _, fields := range statusBlocks(body) {
			addr := recipient(fields)
			if addr == "" || seen[addr] {
				continue
			}
			switch action := strings.ToLower(strings.TrimSpace(fields.Get("Action"))); {
			case action == "failed":
				seen[addr] = true
				out.Failed = append(out.Failed, addr)
			case strings.HasPrefix(action, "delayed"):
				seen[addr] = true
				out.Delayed = append(out.Delayed, addr)
			}
		}
		return nil
	})
	return out
}

// statusBlocks splits a delivery-status body into its per-message and
// per-recipient field groups.
func statusBlocks(body string) []textproto.Header {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var out []textproto.Header
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimLeft(block, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block + "\n\n")))
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// recipient prefers Original-Recipient over Final-Recipient. Both have
// the form "rfc822; addr".
func recipient(h textproto.Header) string {
	for _, key := range []string{"Original-Recipient", "Final-Recipient"} {
		v := h.Get(key)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ';'); i >= 0 {
			if !strings.EqualFold(strings.TrimSpace(v[:i]), "rfc822") {
				continue
			}
			v = v[i+1:]
		}
		v = strings.Trim(strings.TrimSpace(v), "<>")
		if strings.Contains(v, "@") {
			return strings.ToLower(v)
		}
	}
	return ""
}
