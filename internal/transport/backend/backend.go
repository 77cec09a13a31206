// Package backend selects the remote store implementation from configuration.
package backend

import (
	"fmt"

	"github.com/ftprelay/ftprelay/internal/config"
	"github.com/ftprelay/ftprelay/internal/transport"
	"github.com/ftprelay/ftprelay/internal/transport/ftp"
	"github.com/ftprelay/ftprelay/internal/transport/local"
)

// NewFromConfig creates an instrumented Dialer for cfg.TransportBackend,
// capped at cfg.MaxSessions concurrent sessions when that is set.
func NewFromConfig(cfg *config.Config) (transport.Dialer, error) {
	var (
		d   transport.Dialer
		err error
	)
	switch cfg.TransportBackend {
	case config.BackendFTP:
		d, err = ftp.New(ftp.Config{
			Host:               cfg.FTPHost,
			User:               cfg.FTPUser,
			Password:           cfg.FTPPassword,
			TLSMode:            cfg.FTPTLS,
			InsecureSkipVerify: cfg.FTPInsecureSkipVerify,
			ConnectTimeout:     cfg.ConnectTimeout,
		})
	case config.BackendLocal:
		d, err = local.New(local.Config{
			RootPath:   cfg.LocalRemotePath,
			CreateRoot: true,
		})
	default:
		return nil, fmt.Errorf("unknown transport backend: %s", cfg.TransportBackend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxSessions > 0 {
		d = transport.Limit(d, cfg.MaxSessions)
	}
	return transport.Instrument(d), nil
}
