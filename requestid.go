package webchan

import (
	"github.com/google/uuid"
)

// RequestIDHeader is the context header carrying a per-call request id.
const RequestIDHeader = "x-request-id"

// RequestIDContext is a context connector pair that tags every call
// with a UUID request id. The client side attaches a fresh id to each
// request context; the server side validates it and hands the id to
// handlers as the decoded request context (an empty string when the
// caller sent none). It implements both connector interfaces.
type RequestIDContext struct{}

func (RequestIDContext) ProvideRequestContext() (EncodedContext, error) {
	return EncodedContext{RequestIDHeader: uuid.NewString()}, nil
}

func (RequestIDContext) DecodeResponseContext(ec EncodedContext) (interface{}, error) {
	return ec, nil
}

func (RequestIDContext) DecodeRequestContext(ec EncodedContext) (interface{}, error) {
	id := ec[RequestIDHeader]
	if id == "" {
		return "", nil
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, &ServerError{
			Kind:               InvalidArgument,
			Message:            "malformed " + RequestIDHeader + ": " + err.Error(),
			TransmittedMessage: "malformed request id",
		}
	}
	return u.String(), nil
}

func (RequestIDContext) ProvideResponseContext(err error) (EncodedContext, error) {
	return nil, nil
}
