package webchantesting

import (
	"context"
	"fmt"
	"time"

	"github.com/webchan/webchan"
	"github.com/webchan/webchan/grpcweb"
)

// IncrementRequest asks for its value plus one.
type IncrementRequest struct {
	Value int `json:"value"`
}

// IncrementResponse carries the incremented value.
type IncrementResponse struct {
	Value int `json:"value"`
}

// HelloRequest asks for a greeting in the given language.
type HelloRequest struct {
	Language string `json:"language"`
}

// HelloResponse carries the greeting text.
type HelloResponse struct {
	Text string `json:"text"`
}

// StreamNumbersRequest asks for Max counter messages with SleepMs
// milliseconds between them. When FailAfter is positive, the handler
// fails mid-stream after sending that many messages.
type StreamNumbersRequest struct {
	Max       int `json:"max"`
	SleepMs   int `json:"sleepMs"`
	FailAfter int `json:"failAfter,omitempty"`
}

// StreamNumbersResponse carries one counter value.
type StreamNumbersResponse struct {
	Counter int `json:"counter"`
}

// EchoRequest carries an arbitrary payload.
type EchoRequest struct {
	Payload string `json:"payload"`
}

// EchoResponse carries the payload back, along with the request id the
// server decoded from the call's context (empty when the connector
// carries none).
type EchoResponse struct {
	Payload   string `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Schema declares the test service's methods.
var Schema = webchan.MustServiceSchema("webchantesting", map[string]webchan.MethodSchema{
	"increment": {
		Kind:        webchan.MethodUnary,
		NewRequest:  func() interface{} { return &IncrementRequest{} },
		NewResponse: func() interface{} { return &IncrementResponse{} },
	},
	"getHello": {
		Kind:        webchan.MethodUnary,
		NewRequest:  func() interface{} { return &HelloRequest{} },
		NewResponse: func() interface{} { return &HelloResponse{} },
	},
	"streamNumbers": {
		Kind:        webchan.MethodServerStream,
		NewRequest:  func() interface{} { return &StreamNumbersRequest{} },
		NewResponse: func() interface{} { return &StreamNumbersResponse{} },
	},
	"echo": {
		Kind:        webchan.MethodUnary,
		NewRequest:  func() interface{} { return &EchoRequest{} },
		NewResponse: func() interface{} { return &EchoResponse{} },
	},
})

// TestServer implements the test service. Its handlers cover the
// behaviors the client test cases probe: plain unary success, an error
// with split internal/transmitted detail, and a server stream that can
// be paced, canceled, or made to fail mid-stream.
type TestServer struct {
	// Greetings maps language codes to greeting text for getHello.
	Greetings map[string]string
}

// NewTestServer returns a TestServer with a small greeting table.
func NewTestServer() *TestServer {
	return &TestServer{
		Greetings: map[string]string{
			"en": "hello",
			"de": "hallo",
			"es": "hola",
		},
	}
}

// Register attaches the test service's handlers to the given server.
func (ts *TestServer) Register(s *grpcweb.Server) error {
	if err := s.RegisterUnary("increment", ts.increment); err != nil {
		return err
	}
	if err := s.RegisterUnary("getHello", ts.getHello); err != nil {
		return err
	}
	if err := s.RegisterUnary("echo", ts.echo); err != nil {
		return err
	}
	return s.RegisterStream("streamNumbers", ts.streamNumbers)
}

func (ts *TestServer) increment(ctx context.Context, req, reqCtx interface{}) (interface{}, error) {
	r := req.(*IncrementRequest)
	return &IncrementResponse{Value: r.Value + 1}, nil
}

func (ts *TestServer) getHello(ctx context.Context, req, reqCtx interface{}) (interface{}, error) {
	r := req.(*HelloRequest)
	text, ok := ts.Greetings[r.Language]
	if !ok {
		return nil, &webchan.ServerError{
			Kind:               webchan.NotFound,
			Message:            fmt.Sprintf("greeting table has no entry for %q", r.Language),
			TransmittedMessage: fmt.Sprintf("language '%s' not found", r.Language),
		}
	}
	return &HelloResponse{Text: text}, nil
}

func (ts *TestServer) echo(ctx context.Context, req, reqCtx interface{}) (interface{}, error) {
	r := req.(*EchoRequest)
	resp := &EchoResponse{Payload: r.Payload}
	if id, ok := reqCtx.(string); ok {
		resp.RequestID = id
	}
	return resp, nil
}

func (ts *TestServer) streamNumbers(ctx context.Context, req, reqCtx interface{}, stream *grpcweb.ServerStream) error {
	r := req.(*StreamNumbersRequest)
	if err := stream.Ready(); err != nil {
		return err
	}
	for i := 0; i < r.Max; i++ {
		if r.FailAfter > 0 && i == r.FailAfter {
			return &webchan.ServerError{
				Kind:               webchan.ResourceExhausted,
				Message:            fmt.Sprintf("stream budget exhausted after %d messages", i),
				TransmittedMessage: "stream budget exhausted",
			}
		}
		if r.SleepMs > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(r.SleepMs) * time.Millisecond):
			}
		}
		if err := stream.Send(&StreamNumbersResponse{Counter: i}); err != nil {
			return err
		}
	}
	return nil
}
