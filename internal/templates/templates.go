// Package templates loads the text of crafted notifications. Site
// overrides under var/templates/<lang>/ take precedence over the built-in
// English defaults.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Template names.
const (
	HeldNotice         = "held-notice"
	HeldModerator      = "held-moderator"
	NoMoreToday        = "no-more-today"
	PostAck            = "post-ack"
	Rejected           = "rejected"
	Probe              = "probe"
	UnrecognizedBounce = "unrecognized-bounce"
	DisabledByBounces  = "disabled-by-bounces"
	DigestMasthead     = "digest-masthead"
	FilteredForward    = "filtered-forward"
	CommandResults     = "command-results"
	SubscribeConfirm   = "subscribe-confirm"
	UnsubscribeConfirm = "unsubscribe-confirm"
)

// DefaultLanguage is used when nothing else matches.
const DefaultLanguage = "en"

// ErrNotFound is returned for unknown template names.
var ErrNotFound = errors.New("templates: not found")

//go:embed defaults
var defaults embed.FS

// Loader finds templates by name and language.
type Loader struct {
	builtin fs.FS
	dir     string
	tags    []language.Tag
	matcher language.Matcher
}

// New returns a Loader. dir may be empty or missing.
func New(dir string) (*Loader, error) {
	builtin, err := fs.Sub(defaults, "defaults")
	if err != nil {
		return nil, err
	}
	l := &Loader{builtin: builtin, dir: dir}

	langs := map[string]bool{DefaultLanguage: true}
	for _, fsys := range l.sources() {
		entries, err := fs.ReadDir(fsys, ".")
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				langs[e.Name()] = true
			}
		}
	}
	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	// The default language goes first so the matcher falls back to it.
	sort.Slice(names, func(i, j int) bool {
		if names[i] == DefaultLanguage || names[j] == DefaultLanguage {
			return names[i] == DefaultLanguage
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("templates: bad language directory %q: %w", name, err)
		}
		l.tags = append(l.tags, tag)
	}
	l.matcher = language.NewMatcher(l.tags)
	return l, nil
}

func (l *Loader) sources() []fs.FS {
	if l.dir == "" {
		return []fs.FS{l.builtin}
	}
	return []fs.FS{os.DirFS(l.dir), l.builtin}
}

// Match returns the best available language for the given preferences,
// most preferred first.
func (l *Loader) Match(prefs ...string) string {
	var want []language.Tag
	for _, p := range prefs {
		if p == "" {
			continue
		}
		if tag, err := language.Parse(p); err == nil {
			want = append(want, tag)
		}
	}
	if len(want) == 0 {
		return DefaultLanguage
	}
	_, index, conf := l.matcher.Match(want...)
	if conf == language.No {
		return DefaultLanguage
	}
	return l.tags[index].String()
}

// Get returns the raw text of name in lang, falling back to English.
func (l *Loader) Get(name, lang string) (string, error) {
	langs := []string{lang}
	if lang != DefaultLanguage {
		langs = append(langs, DefaultLanguage)
	}
	for _, lg := range langs {
		for _, fsys := range l.sources() {
			data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(lg, name+".txt")))
			if err == nil {
				return string(data), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Render returns name in lang with $vars expanded.
func (l *Loader) Render(name, lang string, vars map[string]string) (string, error) {
	text, err := l.Get(name, lang)
	if err != nil {
		return "", err
	}
	return Expand(text, vars), nil
}

// Expand substitutes $name and ${name} from vars. Unknown names are left
// as written.
func Expand(text string, vars map[string]string) string {
	return os.Expand(text, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		if key == "$" {
			return "$"
		}
		return "${" + key + "}"
	})
}

// Wrap rejoins paragraphs so no line exceeds width columns. Indented
// lines are left alone.
func Wrap(text string, width int) string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		if strings.HasPrefix(para, " ") || strings.HasPrefix(para, "\t") {
			out = append(out, para)
			continue
		}
		var lines []string
		line := ""
		for _, word := range strings.Fields(para) {
			switch {
			case line == "":
				line = word
			case len(line)+1+len(word) > width:
				lines = append(lines, line)
				line = word
			default:
				line += " " + word
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
		out = append(out, strings.Join(lines, "\n"))
	}
	return strings.Join(out, "\n\n")
}
