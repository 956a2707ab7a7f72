package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEndpoints is returned by New when no endpoint URL is given.
	ErrNoEndpoints = errors.New("client: at least one endpoint is required")
	// ErrRetriesExhausted is returned when every endpoint failed for transport reasons.
	ErrRetriesExhausted = errors.New("client: all endpoints failed")
	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("client: closed")
	// ErrConnectionClosed reports that the connection carrying a call went away.
	ErrConnectionClosed = errors.New("client: connection closed")
	// ErrProtocol reports a frame that violates the JSON-RPC exchange. It is fatal
	// to the connection that received it.
	ErrProtocol = errors.New("client: protocol error")
)

// TransportError is a failure to move a message to or from an endpoint: dial,
// write or read failures, connection loss, protocol violations and per-attempt
// timeouts. Transport errors trigger failover.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
