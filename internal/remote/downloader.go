package remote

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/catalog"
	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/metrics"
	"github.com/ftprelay/ftprelay/internal/transport"
)

// Download modes, used as a metrics label.
const (
	ModeCatalog = "catalog"
	ModeDirect  = "direct"
)

// ErrIdleTimeout is the cause of a download aborted because the remote side
// sent nothing for the idle period.
var ErrIdleTimeout = errors.New("remote transfer idle timeout")

// Download is a resolved remote file ready to stream.
type Download struct {
	RemotePath string
	Filename   string // client-visible name for Content-Disposition
	Mode       string
}

// Downloader resolves catalog records and handles to remote paths and
// streams their content.
type Downloader struct {
	dialer  transport.Dialer
	catalog catalog.Store
	root    string
	idle    time.Duration
}

// NewDownloader creates a Downloader. Handles must resolve under root. A
// stream is aborted once the remote side sends nothing for idle; 0 disables
// the limit. Large files that keep flowing are never cut off.
func NewDownloader(d transport.Dialer, store catalog.Store, root string, idle time.Duration) *Downloader {
	return &Downloader{dialer: d, catalog: store, root: transport.CleanPath(root), idle: idle}
}

// ResolveRecord looks up fileID in the catalog.
func (d *Downloader) ResolveRecord(ctx context.Context, fileID string) (Download, error) {
	rec, err := d.catalog.Get(ctx, fileID)
	if err != nil {
		return Download{}, err
	}
	return Download{RemotePath: rec.RemotePath, Filename: rec.OriginalFilename, Mode: ModeCatalog}, nil
}

// ResolveHandle decodes and validates h. No transport contact happens here.
func (d *Downloader) ResolveHandle(h string) (Download, error) {
	p, err := ResolveHandle(d.root, h)
	if err != nil {
		return Download{}, err
	}
	return Download{RemotePath: p, Filename: path.Base(p), Mode: ModeDirect}, nil
}

// Stream copies the remote file into w without buffering it.
func (d *Downloader) Stream(ctx context.Context, dl Download, w io.Writer) (n int64, err error) {
	defer func() { metrics.RecordDownload(dl.Mode, n, err == nil) }()

	if d.idle > 0 {
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)

		iw := &idleWriter{w: w, idle: d.idle}
		iw.timer = time.AfterFunc(d.idle, func() { cancel(ErrIdleTimeout) })
		defer iw.timer.Stop()
		w = iw
	}

	n, err = d.stream(ctx, dl, w)
	if err != nil && errors.Is(context.Cause(ctx), ErrIdleTimeout) && !errors.Is(err, ErrIdleTimeout) {
		err = fault.Transport("retr "+dl.RemotePath, ErrIdleTimeout)
	}
	return n, err
}

func (d *Downloader) stream(ctx context.Context, dl Download, w io.Writer) (int64, error) {
	sess, err := d.dialer.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logging.WithContext(ctx).Warn("close transport session", zap.Error(cerr))
		}
	}()

	return sess.Get(ctx, dl.RemotePath, w)
}

// idleWriter restarts the idle timer whenever remote data arrives. Time spent
// blocked on a slow client does not count as idle.
type idleWriter struct {
	w     io.Writer
	idle  time.Duration
	timer *time.Timer
}

func (iw *idleWriter) Write(p []byte) (int, error) {
	iw.timer.Stop()
	n, err := iw.w.Write(p)
	iw.timer.Reset(iw.idle)
	return n, err
}
