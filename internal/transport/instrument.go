package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ftprelay/ftprelay/internal/metrics"
)

// Instrument wraps d so that every dial and session operation is recorded in
// the transport metrics and open sessions are tracked.
func Instrument(d Dialer) Dialer {
	return DialerFunc(func(ctx context.Context) (Session, error) {
		start := time.Now()
		s, err := d.Dial(ctx)
		metrics.RecordTransportOperation("dial", time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}
		metrics.TransportSessionOpened()
		return &instrumentedSession{Session: s}, nil
	})
}

type instrumentedSession struct {
	Session
	closeOnce sync.Once
	closeErr  error
}

func observe(op string, start time.Time, err error) {
	metrics.RecordTransportOperation(op, time.Since(start), err == nil)
}

func (s *instrumentedSession) EnsureDir(ctx context.Context, dir string) error {
	start := time.Now()
	err := s.Session.EnsureDir(ctx, dir)
	observe("ensure_dir", start, err)
	return err
}

func (s *instrumentedSession) Put(ctx context.Context, remotePath string, r io.Reader) error {
	start := time.Now()
	err := s.Session.Put(ctx, remotePath, r)
	observe("put", start, err)
	return err
}

func (s *instrumentedSession) Get(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	start := time.Now()
	n, err := s.Session.Get(ctx, remotePath, w)
	observe("get", start, err)
	return n, err
}

func (s *instrumentedSession) List(ctx context.Context, dir string) ([]Entry, error) {
	start := time.Now()
	entries, err := s.Session.List(ctx, dir)
	observe("list", start, err)
	return entries, err
}

func (s *instrumentedSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Session.Close()
		metrics.TransportSessionClosed()
	})
	return s.closeErr
}
