// Package logcap writes step output to disk with an upper bound on size.
package logcap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultLimit caps each captured stream.
const DefaultLimit int64 = 256 << 20

// File is an io.Writer that stops persisting bytes once Limit is reached.
// Writes never fail because of the cap, so the producer is never blocked or
// killed by a full log.
type File struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	limit   int64
	written int64
	dropped int64
	err     error
}

// Create opens path for writing, creating parent directories.
func Create(path string, limit int64) (*File, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return &File{f: f, path: path, limit: limit}, nil
}

func (l *File) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return len(p), nil
	}

	room := l.limit - l.written
	keep := int64(len(p))
	if keep > room {
		keep = room
	}
	if keep > 0 {
		n, err := l.f.Write(p[:keep])
		l.written += int64(n)
		if err != nil {
			// Remember the failure and surface it from Close.
			l.err = err
		}
	}
	l.dropped += int64(len(p)) - keep
	return len(p), nil
}

// Path is where the log is written.
func (l *File) Path() string { return l.path }

// Truncated reports whether any output was dropped.
func (l *File) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped > 0
}

// Close appends a truncation marker when output was dropped and closes the
// file. It returns the first write error, if any.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dropped > 0 && l.err == nil {
		marker := fmt.Sprintf("\n[podci: output truncated after %d bytes, %d bytes dropped]\n", l.written, l.dropped)
		if _, err := l.f.WriteString(marker); err != nil {
			l.err = err
		}
	}
	if err := l.f.Close(); err != nil && l.err == nil {
		l.err = err
	}
	if l.err != nil {
		return fmt.Errorf("failed to write log %s: %w", l.path, l.err)
	}
	return nil
}

// SanitizeName maps a step name to a safe file name component.
func SanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "step"
	}
	return string(out)
}
