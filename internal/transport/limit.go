package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ftprelay/ftprelay/internal/fault"
)

// Limit wraps d so that at most n sessions are open at once. Dial waits for
// a free slot until ctx is done. Closing a session frees its slot.
func Limit(d Dialer, n int64) Dialer {
	sem := semaphore.NewWeighted(n)
	return DialerFunc(func(ctx context.Context) (Session, error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fault.Transport("wait for session slot", err)
		}
		s, err := d.Dial(ctx)
		if err != nil {
			sem.Release(1)
			return nil, err
		}
		return &limitedSession{Session: s, release: func() { sem.Release(1) }}, nil
	})
}

type limitedSession struct {
	Session
	once    sync.Once
	release func()
}

func (s *limitedSession) Close() error {
	err := s.Session.Close()
	s.once.Do(s.release)
	return err
}
