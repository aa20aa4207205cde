// Package dial opens connections to remote daemons.
package dial

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

const DefaultTimeout = 30 * time.Second

var _ bsync.Dialer = &Dialer{}

// Dialer connects over TCP,
// optionally from a given local address
// and optionally wrapped in TLS.
type Dialer struct {
	// Timeout bounds connecting, including any TLS handshake.
	// It defaults to DefaultTimeout.
	Timeout time.Duration

	// TLS, if non-nil, is the client configuration for the connection.
	// A configuration without a ServerName gets the host from the remote address.
	TLS *tls.Config
}

// Dial connects to access.Addr.
// A non-empty sourceAddr is the local IP address (with or without a port) to connect from.
func (d *Dialer) Dial(ctx context.Context, access bsync.Access, sourceAddr string) (io.ReadWriteCloser, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nd := &net.Dialer{Timeout: timeout}
	if sourceAddr != "" {
		local, err := localAddr(sourceAddr)
		if err != nil {
			return nil, err
		}
		nd.LocalAddr = local
	}

	if d.TLS == nil {
		conn, err := nd.DialContext(ctx, "tcp", access.Addr)
		return conn, errors.Wrapf(err, "dialing %s", access.Addr)
	}

	conf := d.TLS
	if conf.ServerName == "" {
		host, _, err := net.SplitHostPort(access.Addr)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing address %s", access.Addr)
		}
		conf = conf.Clone()
		conf.ServerName = host
	}
	td := &tls.Dialer{NetDialer: nd, Config: conf}
	conn, err := td.DialContext(ctx, "tcp", access.Addr)
	return conn, errors.Wrapf(err, "dialing %s with tls", access.Addr)
}

func localAddr(addr string) (*net.TCPAddr, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "0")
	}
	result, err := net.ResolveTCPAddr("tcp", addr)
	return result, errors.Wrapf(err, "resolving source address %s", addr)
}
