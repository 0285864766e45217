// ABOUTME: Classifies connection errors as orderly closes or aborts
// ABOUTME: Orderly closes become disconnect events; the rest become abort events

package comms

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is the normal result of a peer or
// local close: EOF, use of a closed connection, a broken pipe or a reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// isAbort reports whether err ended a connection abnormally. A reset peer is
// an abort even though it is an expected close.
func isAbort(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return false
	}
	return true
}
