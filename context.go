package webchan

// EncodedContext is call metadata in its wire shape: a mapping from
// lowercase header name to a single string value. Request context
// (client to server), response context (server to client), and trailer
// metadata all share this representation. Values may contain arbitrary
// characters; they are percent-encoded when written as HTTP headers
// and decoded when read back (see the internal package helpers).
type EncodedContext map[string]string

// Clone returns a copy of the context. A nil context clones to nil.
func (ec EncodedContext) Clone() EncodedContext {
	if ec == nil {
		return nil
	}
	out := make(EncodedContext, len(ec))
	for k, v := range ec {
		out[k] = v
	}
	return out
}

// ClientContextConnector supplies the request context sent with every
// call and interprets the response context received back. Both sides
// of the exchange use the EncodedContext wire shape; the decoded form
// is opaque to the framework.
type ClientContextConnector interface {
	ProvideRequestContext() (EncodedContext, error)
	DecodeResponseContext(ec EncodedContext) (interface{}, error)
}

// ServerContextConnector is the server-side mirror: it interprets the
// request context received with a call and supplies the response
// context to send back. ProvideResponseContext receives the call's
// error outcome (nil on success) so connectors can vary the response
// context for failures.
type ServerContextConnector interface {
	DecodeRequestContext(ec EncodedContext) (interface{}, error)
	ProvideResponseContext(err error) (EncodedContext, error)
}

// NoContext is a connector that carries no metadata in either
// direction. It implements both connector interfaces.
type NoContext struct{}

func (NoContext) ProvideRequestContext() (EncodedContext, error) { return nil, nil }

func (NoContext) DecodeResponseContext(ec EncodedContext) (interface{}, error) { return ec, nil }

func (NoContext) DecodeRequestContext(ec EncodedContext) (interface{}, error) { return ec, nil }

func (NoContext) ProvideResponseContext(err error) (EncodedContext, error) { return nil, nil }
