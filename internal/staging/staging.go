// Package staging persists incoming upload payloads to a local scratch
// directory before they are relayed to the remote store.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/ftprelay/ftprelay/internal/fault"
)

// maxNameLen bounds the sanitized part of a staged name.
const maxNameLen = 128

// Staged is a payload written to the staging directory.
type Staged struct {
	Path string // absolute path on the local filesystem
	Name string // unique file name, reused as the remote file name
	Size int64
}

// Store writes staged files under a single directory.
type Store struct {
	dir string
	seq atomic.Uint64
	now func() time.Time
}

// New creates the staging directory if needed and returns a Store.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", abs, err)
	}
	return &Store{dir: abs, now: time.Now}, nil
}

// Dir returns the staging directory.
func (s *Store) Dir() string { return s.dir }

// Stage copies r into a new file named <unix-millis>-<seq>-<sanitized name>.
// The file is created exclusively, so two concurrent uploads with the same
// original name never share a staging file. On failure nothing is left behind.
func (s *Store) Stage(filename string, r io.Reader) (*Staged, error) {
	name := fmt.Sprintf("%d-%d-%s", s.now().UnixMilli(), s.seq.Add(1), Sanitize(filename))
	p := filepath.Join(s.dir, name)

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, fault.Staging("create "+name, err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(p)
		return nil, fault.Staging("write "+name, err)
	}

	return &Staged{Path: p, Name: name, Size: n}, nil
}

// Open reopens a staged file for reading.
func (s *Store) Open(st *Staged) (*os.File, error) {
	f, err := os.Open(st.Path)
	if err != nil {
		return nil, fault.Staging("open "+st.Name, err)
	}
	return f, nil
}

// Remove deletes a staged file. A file that is already gone is not an error.
func (s *Store) Remove(st *Staged) error {
	if st == nil {
		return nil
	}
	if err := os.Remove(st.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.Staging("remove "+st.Name, err)
	}
	return nil
}

// Sanitize reduces a client-supplied file name to a single safe path
// segment: directory components are dropped and anything outside letters,
// digits, '.', '-' and '_' becomes '_'.
func Sanitize(filename string) string {
	filename = strings.ReplaceAll(filename, `\`, "/")
	if i := strings.LastIndex(filename, "/"); i >= 0 {
		filename = filename[i+1:]
	}

	var b strings.Builder
	for _, r := range filename {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	name := strings.TrimLeft(b.String(), ".")
	if len(name) > maxNameLen {
		name = name[len(name)-maxNameLen:]
	}
	if name == "" {
		name = "upload"
	}
	return name
}
