// Package relay moves an uploaded payload from the HTTP request to the remote
// store: stage locally, ensure the dated directory, put, record, clean up.
package relay

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/metrics"
	"github.com/ftprelay/ftprelay/internal/staging"
	"github.com/ftprelay/ftprelay/internal/transport"
)

// Principal identifies the uploader.
type Principal struct {
	ID          int
	Username    string
	DisplayName string
}

// Config holds relay settings.
type Config struct {
	RemoteRoot      string
	TransferTimeout time.Duration // 0 disables the limit
}

// Relay performs uploads. It is safe for concurrent use; every Upload opens
// its own transport session.
type Relay struct {
	stager  *staging.Store
	dialer  transport.Dialer
	catalog catalog.Store
	cfg     Config

	now   func() time.Time
	newID func() string
}

// New creates a Relay.
func New(stager *staging.Store, dialer transport.Dialer, store catalog.Store, cfg Config) *Relay {
	cfg.RemoteRoot = transport.CleanPath(cfg.RemoteRoot)
	return &Relay{
		stager:  stager,
		dialer:  dialer,
		catalog: store,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Upload relays body to <root>/<YYYY-MM-DD>/<staged name> and appends a
// catalog record. On any failure no record is written. The staging file is
// removed and the session closed on every path.
func (r *Relay) Upload(ctx context.Context, owner Principal, filename string, body io.Reader) (rec catalog.Record, err error) {
	log := logging.WithContext(ctx)
	var size int64
	defer func() { metrics.RecordUpload(size, err == nil) }()

	st, err := r.stager.Stage(filename, body)
	if err != nil {
		return catalog.Record{}, err
	}
	defer r.cleanup(ctx, st)

	tctx := ctx
	if r.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, r.cfg.TransferTimeout)
		defer cancel()
	}

	sess, err := r.dialer.Dial(tctx)
	if err != nil {
		return catalog.Record{}, classify("dial", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("close transport session", zap.Error(cerr))
		}
	}()

	dir := path.Join(r.cfg.RemoteRoot, r.now().UTC().Format("2006-01-02"))
	if err := sess.EnsureDir(tctx, dir); err != nil {
		return catalog.Record{}, classify("ensure dir "+dir, err)
	}

	f, err := r.stager.Open(st)
	if err != nil {
		return catalog.Record{}, err
	}
	defer f.Close()

	remotePath := path.Join(dir, st.Name)
	if err := sess.Put(tctx, remotePath, f); err != nil {
		return catalog.Record{}, classify("put "+remotePath, err)
	}

	rec = catalog.Record{
		ID:               r.newID(),
		OwnerID:          owner.ID,
		OwnerUsername:    owner.Username,
		OwnerDisplayName: owner.DisplayName,
		OriginalFilename: filename,
		RemotePath:       remotePath,
		UploadedAt:       r.now().UTC(),
		SizeBytes:        st.Size,
	}
	if err := r.catalog.Append(ctx, rec); err != nil {
		log.Error("remote file stored but not recorded",
			zap.String("remote_path", remotePath),
			zap.Error(err),
		)
		return catalog.Record{}, fmt.Errorf("record upload: %w", err)
	}

	size = st.Size
	log.Info("upload relayed",
		zap.String("file_id", rec.ID),
		zap.String("user", owner.Username),
		zap.String("remote_path", remotePath),
		zap.Int64("size", st.Size),
	)
	return rec, nil
}

func (r *Relay) cleanup(ctx context.Context, st *staging.Staged) {
	if err := r.stager.Remove(st); err != nil {
		metrics.RecordStagingCleanupFailure()
		logging.WithContext(ctx).Warn("remove staging file",
			zap.String("path", st.Path),
			zap.Error(err),
		)
	}
}

// classify keeps an existing fault kind and treats anything else from the
// transport as a transport failure.
func classify(op string, err error) error {
	if fault.Kind(err) != nil {
		return err
	}
	return fault.Transport(op, err)
}
