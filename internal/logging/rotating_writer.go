package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before a same-day rollover.
const DefaultMaxBytes int64 = 300 * 1024 * 1024

const dayLayout = "2006-01-02"

// RotatingWriter appends to one file per UTC day, starting a numbered
// sibling when a file would grow past MaxBytes.
//
// For BasePath logs/billingd.log the files are logs/billingd-2025-10-26.log,
// logs/billingd-2025-10-26-2.log and so on. BasePath is kept pointing at the
// file currently written. After a restart the writer resumes the highest
// numbered file of the day.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu      sync.Mutex
	out     *os.File
	day     string
	seq     int
	written int64
	now     func() time.Time
}

// NewRotatingWriter opens the current log file for basePath. A basePath of "-"
// discards everything.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := w.ensure(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensure(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.out.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}

// ensure leaves w.out ready to take n more bytes.
func (w *RotatingWriter) ensure(n int64) error {
	clock := w.now
	if clock == nil {
		clock = time.Now
	}
	day := clock().UTC().Format(dayLayout)
	switch {
	case w.out == nil || day != w.day:
		w.day = day
		w.seq = w.lastSeq(day)
	case w.written > 0 && w.written+n > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

// parts splits BasePath into directory, stem and extension. The extension
// defaults to .log.
func (w *RotatingWriter) parts() (dir, stem, ext string) {
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	stem = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, stem, ext
}

func (w *RotatingWriter) pathFor(day string, seq int) string {
	dir, stem, ext := w.parts()
	name := stem + "-" + day
	if seq > 1 {
		name += "-" + strconv.Itoa(seq)
	}
	return filepath.Join(dir, name+ext)
}

// lastSeq returns the highest sequence already on disk for day, or 1.
func (w *RotatingWriter) lastSeq(day string) int {
	dir, stem, ext := w.parts()
	matches, _ := filepath.Glob(filepath.Join(dir, stem+"-"+day+"-*"+ext))
	seq := 1
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), stem+"-"+day+"-"), ext)
		if n, err := strconv.Atoi(suffix); err == nil && n > seq {
			seq = n
		}
	}
	return seq
}

func (w *RotatingWriter) open() error {
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}
	target := w.pathFor(w.day, w.seq)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	w.out = f
	w.link(target)
	return nil
}

// link points BasePath at target. Where symlinks are unavailable a hard
// link is tried, and failing that BasePath holds the target's name.
func (w *RotatingWriter) link(target string) {
	base := w.BasePath
	if strings.TrimSpace(base) == "" {
		return
	}
	if dest, err := os.Readlink(base); err == nil && dest == target {
		return
	}
	_ = os.Remove(base)
	if os.Symlink(target, base) == nil || os.Link(target, base) == nil {
		return
	}
	_ = os.WriteFile(base, []byte("current log file: "+target+"\n"), 0o644)
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
