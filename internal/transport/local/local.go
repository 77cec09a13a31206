// Package local provides a directory-backed remote store. It emulates an FTP
// server's file tree on the local filesystem for development and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/transport"
)

// Config holds local backend settings.
type Config struct {
	RootPath   string
	CreateRoot bool
}

// Dialer opens sessions rooted at a local directory.
type Dialer struct {
	rootPath string
}

// New creates a new local dialer.
func New(cfg Config) (*Dialer, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateRoot {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Dialer{rootPath: cfg.RootPath}, nil
}

// Dial opens a session. There is no connection to establish, but a cancelled
// context is still honoured.
func (d *Dialer) Dial(ctx context.Context) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Transport("dial", err)
	}
	return &Session{rootPath: d.rootPath}, nil
}

// Session implements transport.Session on the local filesystem.
type Session struct {
	rootPath string

	mu     sync.Mutex
	closed bool
}

// fullPath maps a remote path under rootPath. CleanPath resolves ".." against
// "/" so the result can never leave the root.
func (s *Session) fullPath(remotePath string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(transport.CleanPath(remotePath)))
}

func (s *Session) check(ctx context.Context, op string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fault.Transport(op, errors.New("session closed"))
	}
	if err := ctx.Err(); err != nil {
		return fault.Transport(op, err)
	}
	return nil
}

// EnsureDir creates dir and any missing parents.
func (s *Session) EnsureDir(ctx context.Context, dir string) error {
	op := "mkdir " + dir
	if err := s.check(ctx, op); err != nil {
		return err
	}
	if err := os.MkdirAll(s.fullPath(dir), 0755); err != nil {
		return fault.Transport(op, err)
	}
	return nil
}

// Put writes the file atomically via temp file and rename. The parent
// directory must already exist, as it must on an FTP server.
func (s *Session) Put(ctx context.Context, remotePath string, r io.Reader) error {
	op := "put " + remotePath
	if err := s.check(ctx, op); err != nil {
		return err
	}

	dst := s.fullPath(remotePath)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ftprelay-*.tmp")
	if err != nil {
		return fault.Transport(op, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Transport(op, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Transport(op, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fault.Transport(op, err)
	}
	return nil
}

// Get streams the file at remotePath into w.
func (s *Session) Get(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	op := "get " + remotePath
	if err := s.check(ctx, op); err != nil {
		return 0, err
	}

	f, err := os.Open(s.fullPath(remotePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fault.NotFound(op, nil)
		}
		return 0, fault.Transport(op, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fault.Transport(op, err)
	}
	if info.IsDir() {
		return 0, fault.NotFound(op, errors.New("is a directory"))
	}

	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return n, fault.Transport(op, err)
	}
	return n, nil
}

// List returns the direct children of dir.
func (s *Session) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	op := "list " + dir
	if err := s.check(ctx, op); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.fullPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.NotFound(op, nil)
		}
		return nil, fault.Transport(op, err)
	}

	base := transport.CleanPath(dir)
	entries := make([]transport.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		entries = append(entries, transport.Entry{
			Name:    de.Name(),
			Path:    path.Join(base, de.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Type:    entryType(info.Mode()),
		})
	}
	return entries, nil
}

// Close marks the session closed. Further operations fail.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func entryType(mode fs.FileMode) transport.EntryType {
	switch {
	case mode.IsRegular():
		return transport.EntryFile
	case mode.IsDir():
		return transport.EntryDir
	case mode&fs.ModeSymlink != 0:
		return transport.EntryLink
	default:
		return transport.EntryOther
	}
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
