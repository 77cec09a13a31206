// Package ftp implements transport.Dialer over FTP and FTPS using
// github.com/jlaffaye/ftp.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/transport"
)

// TLS modes.
const (
	TLSExplicit = "explicit" // AUTH TLS on the plain control port
	TLSImplicit = "implicit" // TLS from the first byte
	TLSNone     = "none"
)

// Config holds FTP connection settings. Password is never included in errors
// or log output.
type Config struct {
	Host               string // host or host:port
	User               string
	Password           string
	TLSMode            string
	InsecureSkipVerify bool // accept self-signed certificates
	ConnectTimeout     time.Duration
}

// Dialer opens one FTP session per call.
type Dialer struct {
	cfg  Config
	addr string
	tls  *tls.Config
}

// New validates cfg and returns a Dialer.
func New(cfg Config) (*Dialer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ftp host is required")
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSExplicit
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	d := &Dialer{cfg: cfg}
	switch cfg.TLSMode {
	case TLSExplicit:
		d.addr = withDefaultPort(cfg.Host, "21")
	case TLSImplicit:
		d.addr = withDefaultPort(cfg.Host, "990")
	case TLSNone:
		d.addr = withDefaultPort(cfg.Host, "21")
	default:
		return nil, fmt.Errorf("unknown ftp tls mode: %s", cfg.TLSMode)
	}

	if cfg.TLSMode != TLSNone {
		host, _, _ := net.SplitHostPort(d.addr)
		d.tls = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
			// Servers such as vsftpd require the data channel to resume the
			// control channel's TLS session.
			ClientSessionCache: tls.NewLRUClientSessionCache(16),
		}
	}
	return d, nil
}

// Addr returns the resolved host:port.
func (d *Dialer) Addr() string { return d.addr }

func (d *Dialer) options(ctx context.Context, conns *connSet) []ftp.DialOption {
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(d.cfg.ConnectTimeout),
		ftp.DialWithDialFunc(d.dialFunc(ctx, conns)),
	}
	switch d.cfg.TLSMode {
	case TLSExplicit:
		opts = append(opts, ftp.DialWithExplicitTLS(d.tls))
	case TLSImplicit:
		opts = append(opts, ftp.DialWithTLS(d.tls))
	}
	return opts
}

// dialFunc opens the control connection and every data connection of one
// session, registering each in conns. With a custom dial func the ftp
// package leaves TLS to us: implicit mode wraps the control connection,
// and both TLS modes wrap data connections, which handshake on first use.
// Explicit mode upgrades the control connection itself after AUTH TLS.
func (d *Dialer) dialFunc(ctx context.Context, conns *connSet) func(network, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	return func(network, address string) (net.Conn, error) {
		raw, err := nd.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		control := conns.len() == 0
		if control {
			// Bounds greeting and login; cleared by settle.
			raw.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
		}
		c := conns.add(raw)

		switch {
		case d.tls == nil:
			return c, nil
		case control && d.cfg.TLSMode == TLSImplicit:
			tc := tls.Client(c, d.tls)
			if err := tc.HandshakeContext(ctx); err != nil {
				c.Close()
				return nil, err
			}
			return tc, nil
		case control:
			return c, nil
		default:
			return tls.Client(c, d.tls), nil
		}
	}
}

// Dial connects and logs in. When ctx is done every connection of the
// session, control and data, hits an expired deadline, so a stalled
// transfer returns instead of blocking.
func (d *Dialer) Dial(ctx context.Context) (transport.Session, error) {
	conns := &connSet{}
	stop := context.AfterFunc(ctx, conns.expire)

	conn, err := ftp.Dial(d.addr, d.options(ctx, conns)...)
	if err != nil {
		stop()
		return nil, transportErr(ctx, "dial "+d.addr, err)
	}
	if err := conn.Login(d.cfg.User, d.cfg.Password); err != nil {
		stop()
		conn.Quit()
		return nil, transportErr(ctx, "login", err)
	}
	conns.settle()

	return &Session{conn: conn, conns: conns, stop: stop}, nil
}

// Session is one authenticated FTP control connection.
type Session struct {
	conn  *ftp.ServerConn
	conns *connSet
	stop  func() bool

	closeOnce sync.Once
	closeErr  error
}

// watch aborts the session when an operation's ctx is done. A session
// aborted this way cannot be reused.
func (s *Session) watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, s.conns.expire)
}

// EnsureDir creates dir and every missing ancestor. A directory that appears
// between the probe and MKD (a concurrent upload) is accepted.
func (s *Session) EnsureDir(ctx context.Context, dir string) error {
	defer s.watch(ctx)()

	for _, p := range transport.Ancestors(dir) {
		if ctx.Err() != nil {
			return fault.Transport("mkdir "+p, context.Cause(ctx))
		}
		if s.conn.ChangeDir(p) == nil {
			continue
		}
		if err := s.conn.MakeDir(p); err != nil {
			if s.conn.ChangeDir(p) == nil {
				continue
			}
			return transportErr(ctx, "mkdir "+p, err)
		}
	}
	return nil
}

// Put streams r to remotePath with STOR.
func (s *Session) Put(ctx context.Context, remotePath string, r io.Reader) error {
	defer s.watch(ctx)()

	if err := s.conn.Stor(remotePath, &ctxReader{ctx: ctx, r: r}); err != nil {
		return transportErr(ctx, "stor "+remotePath, err)
	}
	return nil
}

// Get streams remotePath into w with RETR.
func (s *Session) Get(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	op := "retr " + remotePath
	defer s.watch(ctx)()

	resp, err := s.conn.Retr(remotePath)
	if err != nil {
		if ctx.Err() == nil && isNotFound(err) {
			return 0, fault.NotFound(op, err)
		}
		return 0, transportErr(ctx, op, err)
	}
	defer resp.Close()

	n, err := io.Copy(w, resp)
	if err != nil {
		return n, transportErr(ctx, op, err)
	}
	return n, nil
}

// List returns the direct children of dir with their FTP type markers.
func (s *Session) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	op := "list " + dir
	if ctx.Err() != nil {
		return nil, fault.Transport(op, context.Cause(ctx))
	}
	defer s.watch(ctx)()

	raw, err := s.conn.List(dir)
	if err != nil {
		if ctx.Err() == nil && isNotFound(err) {
			return nil, fault.NotFound(op, err)
		}
		return nil, transportErr(ctx, op, err)
	}

	base := transport.CleanPath(dir)
	entries := make([]transport.Entry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		entries = append(entries, transport.Entry{
			Name:    e.Name,
			Path:    path.Join(base, e.Name),
			Size:    int64(e.Size),
			ModTime: e.Time,
			Type:    entryType(e.Type),
		})
	}
	return entries, nil
}

// Close sends QUIT and closes the control connection once. After an abort
// QUIT cannot be delivered and its error is dropped.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		err := s.conn.Quit()
		if !s.conns.expired() {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func entryType(t ftp.EntryType) transport.EntryType {
	switch t {
	case ftp.EntryTypeFile:
		return transport.EntryFile
	case ftp.EntryTypeFolder:
		return transport.EntryDir
	case ftp.EntryTypeLink:
		return transport.EntryLink
	default:
		return transport.EntryOther
	}
}

// isNotFound reports a 550 reply ("file unavailable").
func isNotFound(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

// transportErr reports why ctx ended in place of the i/o timeout an
// aborted connection surfaces.
func transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fault.Transport(op, context.Cause(ctx))
	}
	return fault.Transport(op, err)
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

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

// connSet tracks the live connections of one session.
type connSet struct {
	mu      sync.Mutex
	live    map[*trackedConn]struct{}
	dialed  int
	aborted bool
}

func (s *connSet) add(c net.Conn) *trackedConn {
	tc := &trackedConn{Conn: c, set: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		s.live = make(map[*trackedConn]struct{})
	}
	s.live[tc] = struct{}{}
	s.dialed++
	if s.aborted {
		c.SetDeadline(time.Now())
	}
	return tc
}

func (s *connSet) remove(tc *trackedConn) {
	s.mu.Lock()
	delete(s.live, tc)
	s.mu.Unlock()
}

// len returns how many connections were ever dialed.
func (s *connSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialed
}

// expire fails every pending and future read or write.
func (s *connSet) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	for c := range s.live {
		c.SetDeadline(time.Now())
	}
}

func (s *connSet) expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// settle clears the login deadline unless the session was aborted meanwhile.
func (s *connSet) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	for c := range s.live {
		c.SetDeadline(time.Time{})
	}
}

type trackedConn struct {
	net.Conn
	set *connSet
}

func (c *trackedConn) Close() error {
	c.set.remove(c)
	return c.Conn.Close()
}
