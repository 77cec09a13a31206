package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/transport"
)

// DefaultMaxDepth bounds the directory recursion below the root.
const DefaultMaxDepth = 8

// File is one regular file found on the remote store.
type File struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Browser lists every regular file under the remote root.
type Browser struct {
	dialer   transport.Dialer
	root     string
	maxDepth int
	timeout  time.Duration
}

// NewBrowser creates a Browser rooted at root. A whole listing must finish
// within timeout; 0 disables the limit.
func NewBrowser(d transport.Dialer, root string, timeout time.Duration) *Browser {
	return &Browser{
		dialer:   d,
		root:     transport.CleanPath(root),
		maxDepth: DefaultMaxDepth,
		timeout:  timeout,
	}
}

// List walks the remote root and returns its files in no particular order.
// A root that does not exist yet yields an empty list.
func (b *Browser) List(ctx context.Context) ([]File, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	files, err := b.list(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, fault.ErrTransport) {
		return nil, fault.Transport("list "+b.root, ctx.Err())
	}
	return files, err
}

func (b *Browser) list(ctx context.Context) ([]File, error) {
	sess, err := b.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logging.WithContext(ctx).Warn("close transport session", zap.Error(cerr))
		}
	}()

	files := []File{}
	if err := b.walk(ctx, sess, b.root, 0, &files); err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return []File{}, nil
		}
		return nil, err
	}
	return files, nil
}

func (b *Browser) walk(ctx context.Context, sess transport.Session, dir string, depth int, out *[]File) error {
	entries, err := sess.List(ctx, dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		switch e.Type {
		case transport.EntryDir:
			if depth+1 > b.maxDepth {
				logging.WithContext(ctx).Debug("listing depth limit reached", zap.String("dir", e.Path))
				continue
			}
			err := b.walk(ctx, sess, e.Path, depth+1, out)
			if errors.Is(err, fault.ErrNotFound) {
				continue // removed while listing
			}
			if err != nil {
				return err
			}
		case transport.EntryFile:
			if err := ValidatePath(b.root, e.Path); err != nil {
				logging.WithContext(ctx).Warn("skipping unsafe remote path",
					zap.String("path", e.Path),
					zap.Error(err),
				)
				continue
			}
			*out = append(*out, File{
				ID:         EncodeHandle(e.Path),
				Name:       e.Name,
				Path:       e.Path,
				Size:       e.Size,
				ModifiedAt: e.ModTime,
			})
		}
	}
	return nil
}
