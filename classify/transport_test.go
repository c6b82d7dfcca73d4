package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want TransportKind
	}{
		{name: "nil", err: nil, want: KindOther},
		{name: "transport_error", err: fmt.Errorf("wrapped: %w", testTransportError{kind: KindClientError, status: 400}), want: KindClientError},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "net_timeout", err: timeoutNetError{}, want: KindTimeout},
		{name: "conn_refused", err: &net.OpError{Op: "read", Err: syscall.ECONNREFUSED}, want: KindNetworkUnreachable},
		{name: "dial", err: &net.OpError{Op: "dial", Err: errors.New("boom")}, want: KindNetworkUnreachable},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "example.invalid"}, want: KindNetworkUnreachable},
		{name: "other", err: errors.New("nope"), want: KindOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := KindOf(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTransportKind_String(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "network_unreachable", KindNetworkUnreachable.String())
	assert.Equal(t, "client_error", KindClientError.String())
	assert.Equal(t, "other", KindOther.String())
}
