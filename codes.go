package webchan

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// HTTPStatusFromKind translates a failure kind into the HTTP response
// status used when a server fails before any response headers have
// been flushed. (Once a streamed response is under way the status is
// conveyed in the trailer frame instead, so this table is only used
// for head-of-line failures.)
func HTTPStatusFromKind(k Kind) int {
	switch k {
	case Unknown, Canceled, Internal:
		return http.StatusInternalServerError
	case InvalidArgument, FailedPrecondition:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case PermissionDenied:
		return http.StatusForbidden
	case Unimplemented:
		return http.StatusNotImplemented
	case Unavailable:
		return http.StatusServiceUnavailable
	case Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// KindFromHTTPStatus translates a non-200 HTTP response status into a
// failure kind. It inverts HTTPStatusFromKind, picking InvalidArgument
// for 400 and Internal for 500 where several kinds share a status, and
// additionally decodes statuses that only ever arrive
// from intermediaries (413 from a body-size guard, 502/504 from
// proxies). Any unmapped status yields Unknown.
func KindFromHTTPStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return InvalidArgument
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return AlreadyExists
	case http.StatusRequestEntityTooLarge:
		return InvalidArgument
	case http.StatusTooManyRequests:
		return ResourceExhausted
	case http.StatusInternalServerError:
		return Internal
	case http.StatusNotImplemented:
		return Unimplemented
	case http.StatusBadGateway:
		return Unavailable
	case http.StatusServiceUnavailable:
		return Unavailable
	case http.StatusGatewayTimeout:
		return Unavailable
	default:
		return Unknown
	}
}

// CodeFromKind translates a failure kind into the canonical numeric
// gRPC status code carried in grpc-status trailers.
func CodeFromKind(k Kind) codes.Code {
	switch k {
	case Canceled:
		return codes.Canceled
	case Unknown:
		return codes.Unknown
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case PermissionDenied:
		return codes.PermissionDenied
	case ResourceExhausted:
		return codes.ResourceExhausted
	case FailedPrecondition:
		return codes.FailedPrecondition
	case Unimplemented:
		return codes.Unimplemented
	case Internal:
		return codes.Internal
	case Unavailable:
		return codes.Unavailable
	case Unauthenticated:
		return codes.Unauthenticated
	default:
		return codes.Unknown
	}
}

// KindFromCode translates a gRPC status code received in a trailer
// into a failure kind. Codes with no counterpart in the taxonomy
// (DeadlineExceeded, Aborted, OutOfRange, DataLoss) yield Unknown.
func KindFromCode(c codes.Code) Kind {
	switch c {
	case codes.Canceled:
		return Canceled
	case codes.Unknown:
		return Unknown
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.AlreadyExists:
		return AlreadyExists
	case codes.PermissionDenied:
		return PermissionDenied
	case codes.ResourceExhausted:
		return ResourceExhausted
	case codes.FailedPrecondition:
		return FailedPrecondition
	case codes.Unimplemented:
		return Unimplemented
	case codes.Internal:
		return Internal
	case codes.Unavailable:
		return Unavailable
	case codes.Unauthenticated:
		return Unauthenticated
	default:
		return Unknown
	}
}
