package grpcweb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"google.golang.org/grpc/codes"

	"github.com/webchan/webchan"
	"github.com/webchan/webchan/internal"
)

const defaultUserAgent = "webchan-go/1.0"

// Client issues gRPC-Web calls against a single remote address. The
// BaseURL, Schema, and Codec fields must be set; Transport defaults to
// http.DefaultTransport and Connector to a no-metadata connector.
type Client struct {
	Transport http.RoundTripper
	BaseURL   *url.URL
	Schema    *webchan.ServiceSchema
	Codec     webchan.Codec
	Connector webchan.ClientContextConnector
	UserAgent string
}

// NewStream builds the dormant stream for one call. Starting the
// stream issues the HTTP request; canceling it (or ctx) aborts the
// transport. The same stream shape serves unary and server-streamed
// methods.
func (c *Client) NewStream(ctx context.Context, method string, req interface{}) webchan.Stream {
	return webchan.NewStream(func(e *webchan.Emitter) {
		c.call(ctx, e, method, req)
	})
}

// Invoke executes a unary call and returns the single response
// message. Zero or multiple response messages fail with a protocol
// error.
func (c *Client) Invoke(ctx context.Context, method string, req interface{}) (*webchan.Message, error) {
	m, ok := c.Schema.Method(method)
	if !ok {
		return nil, &webchan.ProtocolError{Message: fmt.Sprintf("method %q is not declared in schema %q", method, c.Schema.Name())}
	}
	if m.Kind != webchan.MethodUnary {
		return nil, &webchan.ProtocolError{Message: fmt.Sprintf("method %q is %v; Invoke requires a unary method", method, m.Kind)}
	}
	return webchan.RecvOne(ctx, c.NewStream(ctx, method, req))
}

func (c *Client) call(ctx context.Context, e *webchan.Emitter, method string, req interface{}) {
	if _, ok := c.Schema.Method(method); !ok {
		e.Fail(&webchan.ProtocolError{Message: fmt.Sprintf("method %q is not declared in schema %q", method, c.Schema.Name())})
		return
	}
	connector := c.Connector
	if connector == nil {
		connector = webchan.NoContext{}
	}

	reqCtx, err := connector.ProvideRequestContext()
	if err != nil {
		e.Fail(&webchan.RequestContextError{Cause: err})
		return
	}

	body, err := c.Codec.EncodeRequest(method, req)
	if err != nil {
		e.Fail(&webchan.ProtocolError{Message: fmt.Sprintf("encode request for %s: %v", method, err)})
		return
	}

	// the transport is aborted on Cancel via the request context
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-e.Canceling():
			cancel()
		case <-stop:
		}
	}()

	reqURL := *c.BaseURL
	reqURL.Path = path.Join(reqURL.Path, method)
	r, err := http.NewRequestWithContext(callCtx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if err != nil {
		e.Fail(&webchan.ProtocolError{Message: "build request: " + err.Error()})
		return
	}
	internal.ContextToHeaders(reqCtx, r.Header)
	contentType := c.Codec.ContentType()
	r.Header.Set("Content-Type", contentType)
	r.Header.Set("Accept", contentType)
	ua := c.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	r.Header.Set("User-Agent", ua)

	transport := c.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	reply, err := transport.RoundTrip(r)
	if err != nil {
		e.Fail(transportError(callCtx, err))
		return
	}
	defer drainAndClose(reply.Body)

	encoded := webchan.EncodedContext(internal.ContextFromHeaders(reply.Header))
	respCtx, err := connector.DecodeResponseContext(encoded)
	if err != nil {
		e.Fail(&webchan.ClientError{Kind: webchan.Internal, Message: "decode response context: " + err.Error()})
		return
	}

	if st := reply.Header.Get("grpc-status"); st != "" {
		code, perr := strconv.Atoi(st)
		if perr != nil {
			e.Fail(&webchan.ProtocolError{Message: fmt.Sprintf("malformed grpc-status header %q", st)})
			return
		}
		if code != 0 {
			e.Fail(&webchan.ClientError{
				Kind:            webchan.KindFromCode(codes.Code(code)),
				Message:         internal.PercentDecode(reply.Header.Get("grpc-message")),
				ResponseContext: respCtx,
			})
			return
		}
	}
	if reply.StatusCode != http.StatusOK {
		msg := internal.PercentDecode(reply.Header.Get("grpc-message"))
		if msg == "" {
			msg = reply.Status
		}
		e.Fail(&webchan.ClientError{
			Kind:            webchan.KindFromHTTPStatus(reply.StatusCode),
			Message:         msg,
			ResponseContext: respCtx,
		})
		return
	}

	if !e.Ready() {
		return
	}
	c.consumeBody(e, callCtx, method, reply.Body, respCtx)
}

// consumeBody reads the response body, reassembling frames and turning
// them into stream events until the trailer and end of body arrive.
func (c *Client) consumeBody(e *webchan.Emitter, callCtx context.Context, method string, body io.Reader, respCtx interface{}) {
	var parser ChunkParser
	buf := make([]byte, 8192)
	trailersReceived := false
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			frames, perr := parser.Parse(buf[:n])
			if perr != nil {
				e.Fail(&webchan.ProtocolError{Message: perr.Error()})
				return
			}
			for _, f := range frames {
				if f.Trailer {
					if trailersReceived {
						e.Fail(&webchan.ProtocolError{Message: "multiple trailer frames"})
						return
					}
					done, err := c.consumeTrailer(f.Payload, respCtx)
					if err != nil {
						e.Fail(err)
						return
					}
					trailersReceived = done
					continue
				}
				if trailersReceived {
					e.Fail(&webchan.ProtocolError{Message: "message frame after trailer"})
					return
				}
				v, derr := c.Codec.DecodeMessage(method, f.Payload)
				if derr != nil {
					e.Fail(&webchan.ProtocolError{Message: fmt.Sprintf("decode message for %s: %v", method, derr)})
					return
				}
				if !e.Message(&webchan.Message{Value: v, ResponseContext: respCtx}) {
					return
				}
			}
		}
		if rerr == io.EOF {
			if trailersReceived && !parser.Buffered() {
				e.Complete()
			} else {
				e.Fail(&webchan.ClientError{
					Kind:            webchan.Unavailable,
					Message:         "connection closed before trailers",
					ResponseContext: respCtx,
				})
			}
			return
		}
		if rerr != nil {
			e.Fail(transportError(callCtx, rerr))
			return
		}
	}
}

// consumeTrailer parses a trailer frame. A non-zero grpc-status is
// returned as the call's failure; a zero status marks the stream as
// properly terminated.
func (c *Client) consumeTrailer(payload []byte, respCtx interface{}) (bool, error) {
	md, err := c.Codec.DecodeTrailer(payload)
	if err != nil {
		return false, &webchan.ProtocolError{Message: "malformed trailer: " + err.Error()}
	}
	st, ok := md["grpc-status"]
	if !ok {
		return false, &webchan.ProtocolError{Message: "trailer missing grpc-status"}
	}
	code, err := strconv.Atoi(st)
	if err != nil {
		return false, &webchan.ProtocolError{Message: fmt.Sprintf("malformed grpc-status %q in trailer", st)}
	}
	if code != 0 {
		return false, &webchan.ClientError{
			Kind:            webchan.KindFromCode(codes.Code(code)),
			Message:         internal.PercentDecode(md["grpc-message"]),
			ResponseContext: respCtx,
		}
	}
	return true, nil
}

// transportError lifts a transport failure into the error taxonomy:
// cancellation and deadline expiry report as canceled, anything else
// as unavailable.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &webchan.ClientError{Kind: webchan.Canceled, Message: ctx.Err().Error()}
	}
	return &webchan.ClientError{Kind: webchan.Unavailable, Message: err.Error()}
}
