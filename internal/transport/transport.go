// Package transport defines the remote file store session used by the relay,
// browser and downloader. A Dialer opens one authenticated Session per
// operation; sessions are never shared between requests.
//
// Implementations live in subpackages (ftp, local) and report failures with
// the kinds from package fault.
package transport

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// EntryType is the explicit type marker reported by the remote listing.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntryLink
	EntryOther
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntryLink:
		return "link"
	default:
		return "other"
	}
}

// Entry is one item returned by Session.List.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
	Type    EntryType
}

// Dialer opens authenticated sessions against the remote store.
type Dialer interface {
	// Dial connects and authenticates. Cancelling ctx tears the session down,
	// aborting any operation in flight.
	Dial(ctx context.Context) (Session, error)
}

// Session is one short-lived connection to the remote store.
// All paths are absolute, slash-separated remote paths.
type Session interface {
	// EnsureDir creates dir and any missing ancestors. Idempotent.
	EnsureDir(ctx context.Context, dir string) error

	// Put streams r to remotePath, replacing any existing file.
	Put(ctx context.Context, remotePath string, r io.Reader) error

	// Get streams the file at remotePath into w and returns the bytes copied.
	Get(ctx context.Context, remotePath string, w io.Writer) (int64, error)

	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]Entry, error)

	// Close releases the session. Safe to call more than once.
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// CleanPath normalizes p to an absolute slash-separated path.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// Ancestors returns every directory from the top level down to dir itself,
// e.g. "/a/b/c" -> ["/a", "/a/b", "/a/b/c"].
func Ancestors(dir string) []string {
	dir = CleanPath(dir)
	if dir == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	out := make([]string, 0, len(parts))
	current := ""
	for _, part := range parts {
		current += "/" + part
		out = append(out, current)
	}
	return out
}
