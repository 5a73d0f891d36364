package webchan

import (
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

var allKinds = []Kind{
	Unknown, Canceled, InvalidArgument, NotFound, AlreadyExists,
	PermissionDenied, ResourceExhausted, FailedPrecondition,
	Unimplemented, Internal, Unavailable, Unauthenticated,
}

func TestHTTPStatusFromKind(t *testing.T) {
	wants := map[Kind]int{
		Unknown:            http.StatusInternalServerError,
		Canceled:           http.StatusInternalServerError,
		InvalidArgument:    http.StatusBadRequest,
		NotFound:           http.StatusNotFound,
		AlreadyExists:      http.StatusConflict,
		PermissionDenied:   http.StatusForbidden,
		ResourceExhausted:  http.StatusTooManyRequests,
		FailedPrecondition: http.StatusBadRequest,
		Unimplemented:      http.StatusNotImplemented,
		Internal:           http.StatusInternalServerError,
		Unavailable:        http.StatusServiceUnavailable,
		Unauthenticated:    http.StatusUnauthorized,
	}
	for _, k := range allKinds {
		if got := HTTPStatusFromKind(k); got != wants[k] {
			t.Fatalf("wrong status for %v: expecting %d, got %d", k, wants[k], got)
		}
	}
}

func TestKindFromHTTPStatus(t *testing.T) {
	wants := map[int]Kind{
		http.StatusBadRequest:            InvalidArgument,
		http.StatusUnauthorized:          Unauthenticated,
		http.StatusForbidden:             PermissionDenied,
		http.StatusNotFound:              NotFound,
		http.StatusConflict:              AlreadyExists,
		http.StatusRequestEntityTooLarge: InvalidArgument,
		http.StatusTooManyRequests:       ResourceExhausted,
		http.StatusInternalServerError:   Internal,
		http.StatusNotImplemented:        Unimplemented,
		http.StatusBadGateway:            Unavailable,
		http.StatusServiceUnavailable:    Unavailable,
		http.StatusGatewayTimeout:        Unavailable,
	}
	for status, want := range wants {
		if got := KindFromHTTPStatus(status); got != want {
			t.Fatalf("wrong kind for %d: expecting %v, got %v", status, want, got)
		}
	}
	for _, status := range []int{http.StatusTeapot, http.StatusMovedPermanently, http.StatusPaymentRequired, 599} {
		if got := KindFromHTTPStatus(status); got != Unknown {
			t.Fatalf("unmapped status %d yielded %v instead of unknown", status, got)
		}
	}
}

func TestCodeFromKind(t *testing.T) {
	wants := map[Kind]codes.Code{
		Unknown:            codes.Unknown,
		Canceled:           codes.Canceled,
		InvalidArgument:    codes.InvalidArgument,
		NotFound:           codes.NotFound,
		AlreadyExists:      codes.AlreadyExists,
		PermissionDenied:   codes.PermissionDenied,
		ResourceExhausted:  codes.ResourceExhausted,
		FailedPrecondition: codes.FailedPrecondition,
		Unimplemented:      codes.Unimplemented,
		Internal:           codes.Internal,
		Unavailable:        codes.Unavailable,
		Unauthenticated:    codes.Unauthenticated,
	}
	for _, k := range allKinds {
		if got := CodeFromKind(k); got != wants[k] {
			t.Fatalf("wrong code for %v: expecting %v, got %v", k, wants[k], got)
		}
	}
}

func TestKindFromCodeRoundTrip(t *testing.T) {
	for _, k := range allKinds {
		if got := KindFromCode(CodeFromKind(k)); got != k {
			t.Fatalf("kind %v did not round trip: got %v", k, got)
		}
	}
}

func TestKindFromCodeUnmapped(t *testing.T) {
	for _, c := range []codes.Code{codes.DeadlineExceeded, codes.Aborted, codes.OutOfRange, codes.DataLoss, codes.Code(99)} {
		if got := KindFromCode(c); got != Unknown {
			t.Fatalf("unmapped code %v yielded %v instead of unknown", c, got)
		}
	}
}
