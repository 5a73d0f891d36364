package grpcweb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/webchan/webchan"
)

func newRawClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	baseURL, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	return &Client{
		BaseURL: baseURL,
		Schema:  engineSchema,
		Codec:   webchan.NewJSONCodec(engineSchema),
	}
}

func writeWireFrame(w http.ResponseWriter, flag byte, payload []byte) {
	w.Write(EncodeFrame(flag, payload))
}

func successTrailer() []byte {
	return webchan.EncodeTrailer(webchan.EncodedContext{"grpc-status": "0"})
}

func collectStreamEvents(t *testing.T, s webchan.Stream) []webchan.Event {
	t.Helper()
	s.Start()
	var evs []webchan.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for stream to finish; got %v", evs)
		}
	}
}

type staticClientConnector struct {
	req webchan.EncodedContext
	err error
}

func (c staticClientConnector) ProvideRequestContext() (webchan.EncodedContext, error) {
	return c.req, c.err
}

func (c staticClientConnector) DecodeResponseContext(ec webchan.EncodedContext) (interface{}, error) {
	return ec, nil
}

func TestClientRequestShape(t *testing.T) {
	var (
		mu      sync.Mutex
		gotHdr  http.Header
		gotBody []byte
	)
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotHdr = r.Header.Clone()
		gotBody = b
		mu.Unlock()
		writeWireFrame(w, 0, []byte(`{"sum":3}`))
		writeWireFrame(w, TrailerFlag, successTrailer())
	})
	cli.Connector = staticClientConnector{req: webchan.EncodedContext{"x-note": "caf\xc3\xa9"}}

	msg, err := cli.Invoke(context.Background(), "sum", &sumRequest{A: 1, B: 2})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if msg.Value.(*sumResponse).Sum != 3 {
		t.Fatalf("wrong response: %+v", msg.Value)
	}

	mu.Lock()
	defer mu.Unlock()
	// the request body is the bare encoded request, not a frame
	if string(gotBody) != `{"a":1,"b":2}` {
		t.Fatalf("wrong request body: %q", gotBody)
	}
	if ct := gotHdr.Get("Content-Type"); ct != webchan.JSONContentType {
		t.Fatalf("wrong content type: %q", ct)
	}
	if accept := gotHdr.Get("Accept"); accept != webchan.JSONContentType {
		t.Fatalf("wrong accept: %q", accept)
	}
	if ua := gotHdr.Get("User-Agent"); ua != defaultUserAgent {
		t.Fatalf("wrong user agent: %q", ua)
	}
	if note := gotHdr.Get("x-note"); note != "caf%C3%A9" {
		t.Fatalf("context value not percent-encoded: %q", note)
	}
}

func TestClientHeaderStatusError(t *testing.T) {
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("grpc-status", "5")
		w.Header().Set("grpc-message", "missing caf%C3%A9")
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := cli.Invoke(context.Background(), "sum", &sumRequest{})
	var ce *webchan.ClientError
	if !errors.As(err, &ce) || ce.Kind != webchan.NotFound {
		t.Fatalf("wrong error: %v", err)
	}
	if ce.Message != "missing caf\xc3\xa9" {
		t.Fatalf("wrong message: %q", ce.Message)
	}
}

func TestClientNon200WithoutStatusHeader(t *testing.T) {
	cases := []struct {
		status int
		want   webchan.Kind
	}{
		{http.StatusServiceUnavailable, webchan.Unavailable},
		{http.StatusBadGateway, webchan.Unavailable},
		{http.StatusTeapot, webchan.Unknown},
	}
	for _, c := range cases {
		t.Run(strconv.Itoa(c.status), func(t *testing.T) {
			cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
			})
			_, err := cli.Invoke(context.Background(), "sum", &sumRequest{})
			var ce *webchan.ClientError
			if !errors.As(err, &ce) || ce.Kind != c.want {
				t.Fatalf("wrong error: %v", err)
			}
			if ce.Message == "" {
				t.Fatal("error carries no message")
			}
		})
	}
}

func TestClientTruncatedBody(t *testing.T) {
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeWireFrame(w, 0, []byte(`{"i":0}`))
	})
	s := cli.NewStream(context.Background(), "count", &countRequest{})
	msgs, err := webchan.Collect(context.Background(), s)
	var ce *webchan.ClientError
	if !errors.As(err, &ce) || ce.Kind != webchan.Unavailable {
		t.Fatalf("wrong error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("wrong number of messages before truncation: %d", len(msgs))
	}
}

func TestClientTrailerError(t *testing.T) {
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeWireFrame(w, 0, []byte(`{"i":0}`))
		writeWireFrame(w, TrailerFlag, webchan.EncodeTrailer(webchan.EncodedContext{
			"grpc-status":  "8",
			"grpc-message": "over budget",
		}))
	})
	s := cli.NewStream(context.Background(), "count", &countRequest{})
	msgs, err := webchan.Collect(context.Background(), s)
	var ce *webchan.ClientError
	if !errors.As(err, &ce) || ce.Kind != webchan.ResourceExhausted {
		t.Fatalf("wrong error: %v", err)
	}
	if ce.Message != "over budget" {
		t.Fatalf("wrong message: %q", ce.Message)
	}
	if len(msgs) != 1 {
		t.Fatalf("wrong number of messages: %d", len(msgs))
	}
}

func TestClientProtocolViolations(t *testing.T) {
	cases := []struct {
		name  string
		serve func(w http.ResponseWriter)
	}{
		{"message after trailer", func(w http.ResponseWriter) {
			writeWireFrame(w, TrailerFlag, successTrailer())
			writeWireFrame(w, 0, []byte(`{"i":0}`))
		}},
		{"duplicate trailer", func(w http.ResponseWriter) {
			writeWireFrame(w, TrailerFlag, successTrailer())
			writeWireFrame(w, TrailerFlag, successTrailer())
		}},
		{"trailer missing status", func(w http.ResponseWriter) {
			writeWireFrame(w, TrailerFlag, webchan.EncodeTrailer(webchan.EncodedContext{"x-extra": "v"}))
		}},
		{"malformed trailer", func(w http.ResponseWriter) {
			writeWireFrame(w, TrailerFlag, []byte("no colon here\r\n"))
		}},
		{"undecodable message", func(w http.ResponseWriter) {
			writeWireFrame(w, 0, []byte(`[1,2]`))
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
				c.serve(w)
			})
			s := cli.NewStream(context.Background(), "count", &countRequest{})
			_, err := webchan.Collect(context.Background(), s)
			var pe *webchan.ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("wrong error: %v", err)
			}
		})
	}
}

func TestClientCancelAbortsTransport(t *testing.T) {
	serverSawCancel := make(chan struct{})
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(serverSawCancel)
	})
	s := cli.NewStream(context.Background(), "count", &countRequest{})
	s.Start()
	if ev := <-s.Events(); ev.Type != webchan.EventReady {
		t.Fatalf("expecting ready, got %v", ev.Type)
	}
	s.Cancel()
	select {
	case <-serverSawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the cancel")
	}
	for ev := range s.Events() {
		if ev.Type != webchan.EventCanceled {
			t.Fatalf("unexpected event: %v", ev.Type)
		}
	}
}

func TestClientUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	ts.Close()
	cli := &Client{
		BaseURL: baseURL,
		Schema:  engineSchema,
		Codec:   webchan.NewJSONCodec(engineSchema),
	}
	_, err = cli.Invoke(context.Background(), "sum", &sumRequest{})
	var ce *webchan.ClientError
	if !errors.As(err, &ce) || ce.Kind != webchan.Unavailable {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestClientRequestContextFailure(t *testing.T) {
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request unexpectedly reached the server")
	})
	boom := errors.New("no credentials")
	cli.Connector = staticClientConnector{err: boom}
	_, err := cli.Invoke(context.Background(), "sum", &sumRequest{})
	var rce *webchan.RequestContextError
	if !errors.As(err, &rce) || !errors.Is(err, boom) {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestInvokeValidation(t *testing.T) {
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request unexpectedly reached the server")
	})
	var pe *webchan.ProtocolError
	if _, err := cli.Invoke(context.Background(), "absent", &sumRequest{}); !errors.As(err, &pe) {
		t.Fatalf("wrong error for undeclared method: %v", err)
	}
	if _, err := cli.Invoke(context.Background(), "count", &countRequest{}); !errors.As(err, &pe) {
		t.Fatalf("wrong error for stream method: %v", err)
	}
}

func TestInvokeRejectsMultipleResponses(t *testing.T) {
	cli := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeWireFrame(w, 0, []byte(`{"sum":1}`))
		writeWireFrame(w, 0, []byte(`{"sum":2}`))
		writeWireFrame(w, TrailerFlag, successTrailer())
	})
	_, err := cli.Invoke(context.Background(), "sum", &sumRequest{})
	var pe *webchan.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("wrong error: %v", err)
	}
}
