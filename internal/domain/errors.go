package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a transport failure. Every code is recoverable by
// falling back to another substrate or queuing.
type ErrorCode int

const (
	CodeTimeout ErrorCode = iota + 1
	CodeUnreachable
	CodeConnectionClosed
	CodeIO
)

// String returns the short name of the code, safe for logs.
func (c ErrorCode) String() string {
	switch c {
	case CodeTimeout:
		return "timeout"
	case CodeUnreachable:
		return "unreachable"
	case CodeConnectionClosed:
		return "connection closed"
	case CodeIO:
		return "io"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Sentinels matched by errors.Is against any *TransportError of the same code.
var (
	ErrTimeout          = &TransportError{Code: CodeTimeout}
	ErrUnreachable      = &TransportError{Code: CodeUnreachable}
	ErrConnectionClosed = &TransportError{Code: CodeConnectionClosed}
	ErrIO               = &TransportError{Code: CodeIO}
)

// TransportError is returned by every Transport implementation.
type TransportError struct {
	Code ErrorCode
	Peer PeerID
	Err  error
}

// Error implements error.
func (e *TransportError) Error() string {
	msg := "transport: " + e.Code.String()
	if e.Peer != "" {
		msg += " (" + e.Peer.Short() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// Is matches another *TransportError with the same code.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.Code == e.Code
}

// Timeout builds a timeout error.
func Timeout(peer PeerID, err error) error {
	return &TransportError{Code: CodeTimeout, Peer: peer, Err: err}
}

// Unreachable builds an unreachable-peer error.
func Unreachable(peer PeerID, err error) error {
	return &TransportError{Code: CodeUnreachable, Peer: peer, Err: err}
}

// Closed builds a connection-closed error.
func Closed(peer PeerID, err error) error {
	return &TransportError{Code: CodeConnectionClosed, Peer: peer, Err: err}
}

// IO wraps an I/O failure. Context expiry is reported as a timeout.
func IO(peer PeerID, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(peer, err)
	}
	return &TransportError{Code: CodeIO, Peer: peer, Err: err}
}

// Failures the application layer reports in plain words.
var (
	ErrNoSession        = errors.New("no secure session with peer")
	ErrHandshakeFailure = errors.New("could not establish secure connection")
)

// Describe translates an error into a short message for the end user. Raw
// error codes never reach the terminal.
func Describe(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSession):
		return "No secure session yet, connect first"
	case errors.Is(err, ErrHandshakeFailure):
		return "Could not establish secure connection"
	case errors.As(err, &te):
		switch te.Code {
		case CodeTimeout:
			return "Peer did not answer in time"
		case CodeUnreachable:
			return "Peer is not reachable right now"
		case CodeConnectionClosed:
			return "Disconnected — retrying"
		default:
			return "Network error — retrying"
		}
	default:
		return "Something went wrong"
	}
}
