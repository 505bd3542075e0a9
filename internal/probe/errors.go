package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Classify maps a Go error to the probe failure taxonomy. DNS errors
// are checked before generic net errors because a failed dial wraps
// its *net.DNSError inside a *net.OpError.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNSFail
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnectionFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionFailed
	}

	// A cancelled probe was abandoned mid-connection.
	if errors.Is(err, context.Canceled) {
		return KindConnectionFailed
	}

	return KindUnknown
}
