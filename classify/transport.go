package classify

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// TransportKind tags a failed transport call.
type TransportKind int

const (
	KindOther TransportKind = iota
	KindTimeout
	KindNetworkUnreachable
	// KindClientError covers any response with a non-2xx status. The status
	// and body are available through TransportError.
	KindClientError
)

func (k TransportKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindClientError:
		return "client_error"
	default:
		return "other"
	}
}

// TransportError is a classify-owned interface that lets transports report
// failures without this package importing them.
//
// Implementations should return status code 0 for failures without a response.
type TransportError interface {
	error
	TransportKind() TransportKind
	HTTPStatusCode() int
	ResponseBody() []byte
}

// KindOf works out the TransportKind of err. The TransportError is returned
// when err carries one.
func KindOf(err error) (TransportKind, TransportError) {
	if err == nil {
		return KindOther, nil
	}

	var te TransportError
	if errors.As(err, &te) {
		return te.TransportKind(), te
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, nil
	}

	if isUnreachable(err) {
		return KindNetworkUnreachable, nil
	}
	return KindOther, nil
}

func isUnreachable(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
