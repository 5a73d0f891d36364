package webchan

import (
	"errors"
	"fmt"
)

// Kind is the normalized classification of an RPC failure. The same
// kinds are used for client-side and server-side reporting, and each
// maps to a distinct canonical gRPC status code (see codes.go); gRPC
// codes without a kind decode as Unknown.
type Kind int

const (
	Unknown Kind = iota
	Canceled
	InvalidArgument
	NotFound
	AlreadyExists
	ResourceExhausted
	PermissionDenied
	FailedPrecondition
	Unimplemented
	Internal
	Unavailable
	Unauthenticated
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	Canceled:           "canceled",
	InvalidArgument:    "invalidArgument",
	NotFound:           "notFound",
	AlreadyExists:      "alreadyExists",
	ResourceExhausted:  "resourceExhausted",
	PermissionDenied:   "permissionDenied",
	FailedPrecondition: "failedPrecondition",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	Unauthenticated:    "unauthenticated",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ClientError is an RPC failure as observed by a client. Message is the
// human-readable detail received over the wire (if any), and
// ResponseContext carries the decoded response context when it was
// available by the time the error surfaced.
type ClientError struct {
	Kind            Kind
	Message         string
	ResponseContext interface{}
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc error: %s", e.Kind)
	}
	return fmt.Sprintf("rpc error: %s: %s", e.Kind, e.Message)
}

// ServerError is an error raised by a server handler. Message is
// internal detail: it is passed to the server's error reporter but
// never sent to the client. TransmittedMessage, if set, is sent to the
// client along with the kind.
type ServerError struct {
	Kind               Kind
	Message            string
	TransmittedMessage string
}

func (e *ServerError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("rpc error: %s: %s", e.Kind, e.Message)
	case e.TransmittedMessage != "":
		return fmt.Sprintf("rpc error: %s: %s", e.Kind, e.TransmittedMessage)
	default:
		return fmt.Sprintf("rpc error: %s", e.Kind)
	}
}

// ProtocolError indicates a violation of the wire or call protocol
// rather than a failure reported by the remote side: a unary call that
// yielded zero or multiple messages, a malformed trailer block, a
// message frame after the trailer frame, or handler callback misuse on
// the server. Protocol errors are never retryable.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// RequestContextError wraps a failure from the client context
// connector while producing the request context for a call.
type RequestContextError struct {
	Cause error
}

func (e *RequestContextError) Error() string {
	return "request context: " + e.Cause.Error()
}

func (e *RequestContextError) Unwrap() error { return e.Cause }

// KindOf extracts the failure kind from an error. Protocol errors
// report as Internal; anything unrecognized reports as Unknown.
func KindOf(err error) Kind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Kind
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return Internal
	}
	return Unknown
}
