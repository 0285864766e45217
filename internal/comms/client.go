// ABOUTME: TLS client for the comms server using the same NUL framing
// ABOUTME: Used by the chat command and by end-to-end tests

package comms

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ClientOptions controls how Dial verifies the server.
type ClientOptions struct {
	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string
	// InsecureSkipVerify disables certificate verification entirely.
	InsecureSkipVerify bool
	ServerName         string
	MaxFrameSize       int
}

// Client is a connection to a comms server.
type Client struct {
	conn    *tls.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex
}

// Dial connects to addr and completes the TLS handshake.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed dev servers
		ServerName:         opts.ServerName,
	}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if tlsCfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsCfg.ServerName = host
		}
	}

	d := tls.Dialer{Config: tlsCfg}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	conn := nc.(*tls.Conn)

	return &Client{
		conn:    conn,
		scanner: NewFrameScanner(conn, opts.MaxFrameSize),
	}, nil
}

// Send writes one frame.
func (c *Client) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, text)
}

// Receive blocks for the next frame. It returns io.EOF once the server closes
// the connection.
func (c *Client) Receive() (string, error) {
	if c.scanner.Scan() {
		return c.scanner.Text(), nil
	}
	if err := c.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading frame: %w", err)
	}
	return "", io.EOF
}

// SetDeadline bounds pending and future Send and Receive calls.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the connection.
func (c *Client) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
