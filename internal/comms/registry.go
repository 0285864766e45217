// ABOUTME: Registry of live client connections keyed by connection id
// ABOUTME: Stale entries are evicted lazily when a lookup finds them dead

package comms

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned when writing to a connection whose reader
// has already finished.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is a registered client connection.
type Conn struct {
	ID         string
	RemoteAddr string

	conn          net.Conn
	writeTimeout  time.Duration
	writeMu       sync.Mutex
	handshakeDone atomic.Bool
	closed        atomic.Bool
}

func newConn(id string, nc net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           id,
		RemoteAddr:   nc.RemoteAddr().String(),
		conn:         nc,
		writeTimeout: writeTimeout,
	}
	if _, ok := nc.(*tls.Conn); !ok {
		c.handshakeDone.Store(true)
	}
	return c
}

// Read reads from the underlying connection. The first read error marks the
// connection closed, so lookups stop returning it before its reader unwinds.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err != nil {
		c.markClosed()
	}
	return n, err
}

// WriteFrame sends one framed message to the client. Writes are serialized
// per connection so concurrent replies never interleave.
func (c *Conn) WriteFrame(text string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	return WriteFrame(c.conn, text)
}

// Alive reports whether the connection can still be written to. The closed
// flag set by a failed read is authoritative. The zero-byte write that
// follows is best effort: it catches a locally closed socket but is a no-op
// on a TLS connection.
func (c *Conn) Alive() bool {
	if c.closed.Load() {
		return false
	}
	if !c.handshakeDone.Load() {
		return false
	}

	if !c.writeMu.TryLock() {
		// A reply is being written right now.
		return true
	}
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := c.conn.Write(nil)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		c.markClosed()
		return false
	}
	return true
}

func (c *Conn) markHandshakeDone() {
	c.handshakeDone.Store(true)
}

func (c *Conn) markClosed() {
	c.closed.Store(true)
}

func (c *Conn) close() error {
	c.markClosed()
	return c.conn.Close()
}

// Registry maps connection ids to connections.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers c under c.ID, replacing any previous entry.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Remove deletes the entry for id if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns the live connection for id. A registered connection that fails
// the liveness check is evicted and reported as absent.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	if c.Alive() {
		return c, true
	}

	r.mu.Lock()
	if r.conns[id] == c {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	return nil, false
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered connections, live or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
