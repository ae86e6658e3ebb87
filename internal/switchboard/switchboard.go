// Package switchboard implements the on-disk queues that connect the
// runners. Every envelope is one file named <received_time>+<sha1>.pck;
// a runner owns a file while it is renamed to .bak.
package switchboard

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/metrics"
)

// MaxBakCount is the number of crash recoveries after which a .bak file is
// preserved instead of retried.
const MaxBakCount = 3

// delta separates files with identical receive times when sorting.
const delta = 0.0001

const (
	extPickle  = ".pck"
	extBackup  = ".bak"
	extPreserv = ".psv"
	extTemp    = ".tmp"
)

// ErrBadFile is returned by Dequeue when a file cannot be decoded. The
// file has already been moved to .bak and should be preserved.
var ErrBadFile = errors.New("switchboard: undecodable queue file")

// ErrSliceCount is returned when the slice count is not a power of two.
var ErrSliceCount = errors.New("switchboard: slice count must be a power of two")

var hashSpace = new(big.Int).Lsh(big.NewInt(1), 160)

// Switchboard is one queue directory, optionally restricted to a slice of
// the hash space.
type Switchboard struct {
	name   string
	dir    string
	badDir string

	// lower and upper bound the sha1 prefix; nil when unsliced.
	lower, upper *big.Int

	collector metrics.Collector
	now       func() time.Time
}

// Option configures a Switchboard.
type Option func(*Switchboard)

// WithCollector records enqueues on c.
func WithCollector(c metrics.Collector) Option {
	return func(s *Switchboard) { s.collector = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Switchboard) { s.now = now }
}

// New opens the queue called name in dir. Preserved files go to badDir.
// The switchboard sees only files whose hash falls in slice of count.
func New(name, dir, badDir string, slice, count int, opts ...Option) (*Switchboard, error) {
	if count <= 0 || count&(count-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrSliceCount, count)
	}
	if slice < 0 || slice >= count {
		return nil, fmt.Errorf("switchboard: slice %d out of range for count %d", slice, count)
	}
	for _, d := range []string{dir, badDir} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("creating queue directory: %w", err)
		}
	}

	s := &Switchboard{
		name:      name,
		dir:       dir,
		badDir:    badDir,
		collector: &metrics.NoopCollector{},
		now:       time.Now,
	}
	if count > 1 {
		s.lower, s.upper = sliceBounds(slice, count)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// sliceBounds returns [2^160*slice/count, 2^160*(slice+1)/count).
func sliceBounds(slice, count int) (*big.Int, *big.Int) {
	lower := new(big.Int).Mul(hashSpace, big.NewInt(int64(slice)))
	lower.Div(lower, big.NewInt(int64(count)))
	upper := new(big.Int).Mul(hashSpace, big.NewInt(int64(slice+1)))
	upper.Div(upper, big.NewInt(int64(count)))
	return lower, upper
}

// Name returns the queue name.
func (s *Switchboard) Name() string { return s.name }

// Dir returns the queue directory.
func (s *Switchboard) Dir() string { return s.dir }

// Enqueue writes msg and its metadata, merged with any overrides, as a new
// queue file and returns its filebase. Keys beginning with an underscore
// are not written. received_time is kept when already present.
func (s *Switchboard) Enqueue(msg *email.Message, meta envelope.Metadata, overrides ...envelope.Metadata) (string, error) {
	data := envelope.Metadata{}
	if meta != nil {
		data = meta.Clone()
	}
	for _, o := range overrides {
		data.Merge(o)
	}

	listname := data.ListName()
	if listname == "" {
		listname = "--nolist--"
	}

	raw := msg.Bytes()
	now := s.now()
	food := make([]byte, 0, len(raw)+len(listname)+32)
	food = append(food, raw...)
	food = append(food, listname...)
	food = append(food, formatTime(now)...)
	sum := sha1.Sum(food)

	received, ok := data.Time(envelope.KeyReceivedTime)
	if !ok {
		received = now
		data.SetTime(envelope.KeyReceivedTime, received)
	}
	filebase := formatTime(received) + "+" + hex.EncodeToString(sum[:])

	data.SetInt(envelope.KeyVersion, envelope.CurrentVersion)
	data = data.StripLocal()

	b, err := envelope.Encode(raw, data)
	if err != nil {
		return "", err
	}
	if err := s.writeAtomic(filebase+extPickle, b); err != nil {
		return "", err
	}
	s.collector.EnvelopeEnqueued(s.name)
	return filebase, nil
}

// writeAtomic writes name through a .tmp file, syncs it and renames it.
func (s *Switchboard) writeAtomic(name string, b []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + extTemp

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return fmt.Errorf("creating queue file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing queue file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing queue file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing queue file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing queue file: %w", err)
	}
	return nil
}

// Dequeue claims filebase by renaming it to .bak and decodes it. Decoding
// failures wrap ErrBadFile; the .bak stays in place for Finish.
func (s *Switchboard) Dequeue(filebase string) (*envelope.Envelope, error) {
	src := filepath.Join(s.dir, filebase+extPickle)
	bak := filepath.Join(s.dir, filebase+extBackup)

	if err := os.Rename(src, bak); err != nil {
		return nil, fmt.Errorf("claiming %s: %w", filebase, err)
	}

	b, err := os.ReadFile(bak)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFile, filebase, err)
	}
	return decodeFile(filebase, b)
}

func decodeFile(filebase string, b []byte) (*envelope.Envelope, error) {
	raw, meta, err := envelope.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFile, filebase, err)
	}
	msg, err := email.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFile, filebase, err)
	}
	return envelope.New(msg, meta), nil
}

// Finish releases a claimed file: it is deleted, or with preserve moved
// into the bad queue as <filebase>.psv.
func (s *Switchboard) Finish(filebase string, preserve bool) error {
	bak := filepath.Join(s.dir, filebase+extBackup)
	if preserve {
		psv := filepath.Join(s.badDir, filebase+extPreserv)
		if err := os.Rename(bak, psv); err != nil {
			return fmt.Errorf("preserving %s: %w", filebase, err)
		}
		return nil
	}
	if err := os.Remove(bak); err != nil {
		return fmt.Errorf("removing %s: %w", filebase, err)
	}
	return nil
}

// Files returns the .pck filebases in this switchboard's slice, oldest
// first.
func (s *Switchboard) Files() ([]string, error) {
	return s.files(extPickle)
}

func (s *Switchboard) files(ext string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing queue %s: %w", s.name, err)
	}

	times := make(map[float64]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		filebase := strings.TrimSuffix(name, ext)
		when, digest, ok := strings.Cut(filebase, "+")
		if !ok {
			continue
		}
		key, err := strconv.ParseFloat(when, 64)
		if err != nil {
			continue
		}
		if !s.inSlice(digest) {
			continue
		}
		for {
			if _, dup := times[key]; !dup {
				break
			}
			key += delta
		}
		times[key] = filebase
	}

	keys := make([]float64, 0, len(times))
	for k := range times {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = times[k]
	}
	return out, nil
}

func (s *Switchboard) inSlice(digest string) bool {
	if s.lower == nil {
		return true
	}
	n, ok := new(big.Int).SetString(digest, 16)
	if !ok {
		return false
	}
	return n.Cmp(s.lower) >= 0 && n.Cmp(s.upper) < 0
}

// RecoverBackupFiles returns files orphaned in .bak by a crashed runner to
// the queue. Each recovery bumps _bak_count in the file; once it reaches
// MaxBakCount the file is preserved instead. Undecodable files are
// preserved at once.
func (s *Switchboard) RecoverBackupFiles() (recovered, preserved []string, err error) {
	files, err := s.files(extBackup)
	if err != nil {
		return nil, nil, err
	}

	var errs []error
	for _, filebase := range files {
		bak := filepath.Join(s.dir, filebase+extBackup)
		b, readErr := os.ReadFile(bak)
		if readErr != nil {
			errs = append(errs, readErr)
			continue
		}

		raw, meta, decodeErr := envelope.Decode(b)
		if decodeErr != nil {
			if err := s.Finish(filebase, true); err != nil {
				errs = append(errs, err)
				continue
			}
			preserved = append(preserved, filebase)
			continue
		}

		count := meta.Int(envelope.KeyBakCount) + 1
		meta.SetInt(envelope.KeyBakCount, count)
		updated, encErr := envelope.Encode(raw, meta)
		if encErr != nil {
			errs = append(errs, encErr)
			continue
		}
		if err := s.writeAtomic(filebase+extBackup, updated); err != nil {
			errs = append(errs, err)
			continue
		}

		if count >= MaxBakCount {
			if err := s.Finish(filebase, true); err != nil {
				errs = append(errs, err)
				continue
			}
			preserved = append(preserved, filebase)
			continue
		}
		if err := os.Rename(bak, filepath.Join(s.dir, filebase+extPickle)); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", filebase, err))
			continue
		}
		recovered = append(recovered, filebase)
	}
	return recovered, preserved, errors.Join(errs...)
}

// formatTime renders t as fractional epoch seconds with microsecond
// precision and no trailing zeros.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', -1, 64)
}
