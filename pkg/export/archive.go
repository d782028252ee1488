package export

import (
	"archive/zip"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ha1tch/pgshift/pkg/errors"
)

// Archive is a zip writer that many goroutines can add entries to.
type Archive struct {
	mu      sync.Mutex
	zw      *zip.Writer
	names   map[string]int
	entries []string
	closed  bool
}

// NewArchive starts a zip archive on w.
func NewArchive(w io.Writer) *Archive {
	return &Archive{
		zw:    zip.NewWriter(w),
		names: make(map[string]int),
	}
}

// Add writes one entry and returns the name it was stored under. A name
// that is already taken gets a numeric suffix.
func (a *Archive) Add(name string, content []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", errors.New(errors.ErrCodeArchiveWrite, "archive already closed").Err()
	}

	stored := a.uniqueName(name)
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     stored,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeArchiveWrite, "create archive entry").
			WithField("entry", stored).
			Err()
	}
	if _, err := w.Write(content); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeArchiveWrite, "write archive entry").
			WithField("entry", stored).
			Err()
	}

	a.entries = append(a.entries, stored)
	return stored, nil
}

// Entries returns the stored entry names in the order they were added.
func (a *Archive) Entries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.entries...)
}

// Close finishes the archive. It does not close the underlying writer.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.zw.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeArchiveWrite, "finish archive").Err()
	}
	return nil
}

func (a *Archive) uniqueName(name string) string {
	n := a.names[name]
	a.names[name] = n + 1
	if n == 0 {
		return name
	}
	ext := ""
	base := name
	if i := lastDot(name); i > 0 {
		base, ext = name[:i], name[i:]
	}
	for {
		candidate := base + "-" + strconv.Itoa(n+1) + ext
		if _, taken := a.names[candidate]; !taken {
			a.names[candidate] = 1
			return candidate
		}
		n++
	}
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
		if s[i] == '/' {
			break
		}
	}
	return -1
}
