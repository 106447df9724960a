package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultRotationSize is the size threshold at which the current
	// socks4_<N>.log is rotated.
	DefaultRotationSize int64 = 10 * 1024 * 1024
	// DefaultMaxFiles bounds how many log files are kept, the current
	// socks4_1.log included.
	DefaultMaxFiles = 10
)

// RotatingWriter is an io.Writer that appends to <dir>/<prefix>_1.log,
// renaming files 1..N-1 up one slot and dropping the oldest once the
// current file reaches maxSize bytes.
type RotatingWriter struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	maxSize  int64
	maxFiles int

	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) <dir>/<prefix>_1.log for
// appending and returns a writer that rotates it once it reaches
// maxSize bytes, keeping at most maxFiles generations.
func NewRotatingWriter(dir, prefix string, maxSize int64, maxFiles int) (*RotatingWriter, error) {
	if maxSize <= 0 {
		maxSize = DefaultRotationSize
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	w := &RotatingWriter{
		dir:      dir,
		prefix:   prefix,
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) path(n int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%d.log", w.prefix, n))
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path(1), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer. Rotation is checked after the write
// completes so a single log line is never split across files.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, err
	}

	if w.size >= w.maxSize {
		if rerr := w.rotate(); rerr != nil {
			return n, rerr
		}
	}
	return n, nil
}

// rotate shifts socks4_<N>.log to socks4_<N+1>.log for N down to 1,
// dropping whatever was already at maxFiles, then reopens an empty
// socks4_1.log.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	oldest := w.path(w.maxFiles)
	os.Remove(oldest)

	for n := w.maxFiles - 1; n >= 1; n-- {
		src := w.path(n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		os.Rename(src, w.path(n+1))
	}

	return w.open()
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
