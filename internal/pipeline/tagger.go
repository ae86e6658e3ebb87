package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// tag matches the list's topics against Subject, Keywords and
// Subject:/Keywords: lines at the top of the body.
func tag(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if !l.TopicsEnabled || len(l.Topics) == 0 {
		return Next, nil
	}
	msg := env.Message
	var lines []string
	lines = append(lines, email.Values(msg.Header, "Subject")...)
	lines = append(lines, email.Values(msg.Header, "Keywords")...)
	if l.TopicsBodyLinesLimit != 0 {
		lines = append(lines, scanBody(msg, l.TopicsBodyLinesLimit)...)
	}

	hits := map[string]bool{}
	for _, t := range l.Topics {
		// Each line of a pattern is an alternative.
		pattern := strings.Join(strings.Split(strings.TrimSpace(t.Pattern), "\n"), "|")
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return Next, fmt.Errorf("topic %q: %w", t.Name, err)
		}
		for _, line := range lines {
			if line != "" && re.MatchString(line) {
				hits[t.Name] = true
				break
			}
		}
	}
	if len(hits) == 0 {
		return Next, nil
	}
	names := make([]string, 0, len(hits))
	for n := range hits {
		names = append(names, n)
	}
	sort.Strings(names)
	env.Meta.SetStrings(envelope.KeyTopicHits, names)
	msg.Header.Set("X-Topics", strings.Join(names, ", "))
	return Next, nil
}

// scanBody returns the Subject and Keywords values written as header
// lines among the first limit non-blank body lines. A negative limit
// scans the whole body. Only text/plain bodies, or the text/plain
// alternative of a multipart/alternative, are scanned.
func scanBody(msg *email.Message, limit int) []string {
	var part *email.Message
	switch {
	case !msg.IsMultipart() && msg.MediaType() == "text/plain":
		part = msg
	case msg.MediaType() == "multipart/alternative":
		for _, p := range msg.Parts {
			if !p.IsMultipart() && p.MediaType() == "text/plain" {
				part = p
				break
			}
		}
	}
	if part == nil {
		return nil
	}
	text, err := part.Text()
	if err != nil {
		return nil
	}

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() && (limit < 0 || len(lines) < limit) {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		lines = append(lines, sc.Text())
	}

	// Read header-like lines until the first one that is not.
	var out []string
	var key string
	var value []string
	flush := func() {
		switch strings.ToLower(key) {
		case "subject", "keywords":
			out = append(out, strings.Join(value, " "))
		}
	}
	for _, line := range lines {
		if line[0] == ' ' || line[0] == '\t' {
			if key == "" {
				break
			}
			value = append(value, strings.TrimSpace(line))
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(k, " \t") {
			break
		}
		flush()
		key, value = k, []string{strings.TrimSpace(v)}
	}
	flush()
	return out
}
