package client

import (
	"errors"
	"fmt"
)

// ConnectionError is a transport failure: refused or reset connections,
// failed handshakes, broken writes.
type ConnectionError struct {
	Addr  string
	Phase string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProxyTunnelError reports a CONNECT request the proxy did not accept.
// Status is zero when the proxy closed the connection first.
type ProxyTunnelError struct {
	Target string
	Status int
	Reason string
}

func (e *ProxyTunnelError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("proxy CONNECT to %s failed: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("proxy CONNECT to %s failed: %d - %s", e.Target, e.Status, e.Reason)
}

// CapabilityError reports an option combination that cannot work, such as
// HTTP/2 without TLS. It is never worth retrying.
type CapabilityError struct {
	Msg string
}

func (e *CapabilityError) Error() string {
	return e.Msg
}

// TimeoutError reports an exchange that ran past its deadline.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// MalformedResponseError reports response bytes that do not parse under the
// protocol in use.
type MalformedResponseError struct {
	Protocol string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("invalid %s response: %v", e.Protocol, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransport reports whether err is, or wraps, a *ConnectionError.
func IsTransport(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
