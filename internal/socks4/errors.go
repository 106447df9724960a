package socks4

import (
	"errors"
	"net"
)

// ErrorKind names a handler-visible error class.
type ErrorKind int

const (
	// BadVersion: request header's version byte was not 4.
	BadVersion ErrorKind = iota
	// BadCommand: request header's command byte was neither CONNECT nor BIND.
	BadCommand
	// BadIdent: userid trailer exceeded the 256-byte ceiling without a terminator.
	BadIdent
	// BadDomain: SOCKS4a domain trailer was empty or exceeded the ceiling.
	BadDomain
	// ResolveFailed: the resolver found no IPv4 record for the domain.
	ResolveFailed
	// ConnectFailed: the outbound dial to the destination failed.
	ConnectFailed
)

func (k ErrorKind) String() string {
	switch k {
	case BadVersion:
		return "bad_version"
	case BadCommand:
		return "bad_command"
	case BadIdent:
		return "bad_ident"
	case BadDomain:
		return "bad_domain"
	case ResolveFailed:
		return "resolve_failed"
	case ConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// ProtocolError is returned by the wire codec and resolver for any
// failure that must be answered with a SOCKS4 reply rather than a
// silent close. It always maps to ReplyRejected on the wire.
type ProtocolError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// ErrResolveFailed is returned by the resolver adapter when a domain
// has no IPv4 record.
var ErrResolveFailed = &ProtocolError{Kind: ResolveFailed, Detail: "no IPv4 address found"}

// classifyDialError wraps a failed outbound dial with ConnectFailed,
// keeping the underlying error's message as the Detail for logging
// (the original error value itself is not retained).
func classifyDialError(err error) error {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	return &ProtocolError{Kind: ConnectFailed, Detail: err.Error()}
}

// IsTimeout reports whether err is a deadline-exceeded network error.
// A timeout is logged and closed silently, never answered with a
// SOCKS4 reply, since the client socket is already being torn down by
// the expired deadline.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
