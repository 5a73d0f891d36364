package grpcweb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/webchan/webchan"
	"github.com/webchan/webchan/internal"
)

// DefaultRequestLimit is the default cap on request body size.
const DefaultRequestLimit = 100 * 1024 // 100 KiB

// UnaryHandler implements a unary method. The reqCtx argument is the
// value produced by the server context connector for this call.
type UnaryHandler func(ctx context.Context, req interface{}, reqCtx interface{}) (interface{}, error)

// StreamHandler implements a server-streamed method. The handler calls
// stream.Ready once, then stream.Send for each message, and returns nil
// for a successful end of stream. The ctx is canceled when the client
// disconnects, so long-running handlers should watch it.
type StreamHandler func(ctx context.Context, req interface{}, reqCtx interface{}, stream *ServerStream) error

// ErrorReporter receives every error captured while serving a call,
// including handler errors whose detail never reaches the client. It
// is invoked inside a guarded call: a panicking reporter is logged and
// never escalates.
type ErrorReporter func(err error, url string)

// ErrorLogReporter returns an ErrorReporter that writes to the given
// logger.
func ErrorLogReporter(logger zerolog.Logger) ErrorReporter {
	return func(err error, url string) {
		logger.Error().Err(err).Str("url", url).Msg("rpc call failed")
	}
}

// Server serves the methods of one service schema over the gRPC-Web
// wire protocol. It implements http.Handler; each registered method is
// mounted at <basePath>/<method>.
type Server struct {
	mux       http.ServeMux
	schema    *webchan.ServiceSchema
	codec     webchan.Codec
	connector webchan.ServerContextConnector

	basePath     string
	requestLimit int64
	reportError  ErrorReporter
	logger       zerolog.Logger
	limiter      *rate.Limiter
}

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithBasePath configures the server to mount methods under the given
// path prefix instead of "/".
func WithBasePath(p string) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.basePath = p
	})
}

// WithRequestLimit configures the maximum request body size in bytes.
// A request exceeding the limit fails as invalidArgument with the
// message "Request Too Large".
func WithRequestLimit(n int64) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.requestLimit = n
	})
}

// WithErrorReporter configures the sink that receives every captured
// server-side error. Without it, errors are written to the server's
// logger.
func WithErrorReporter(f ErrorReporter) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.reportError = f
	})
}

// WithLogger configures the server's logger. The default is a no-op
// logger; the server never writes to any global logger.
func WithLogger(logger zerolog.Logger) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.logger = logger
	})
}

// WithRateLimit configures a token-bucket rate limit across all
// methods. A call that finds the bucket empty fails immediately as
// resourceExhausted, before the request body is read.
func WithRateLimit(r rate.Limit, burst int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.limiter = rate.NewLimiter(r, burst)
	})
}

// NewServer returns a server for the given schema, codec, and context
// connector. A nil connector carries no call metadata in either
// direction. Handlers are attached with RegisterUnary and
// RegisterStream.
func NewServer(schema *webchan.ServiceSchema, codec webchan.Codec, connector webchan.ServerContextConnector, opts ...ServerOption) *Server {
	s := &Server{
		schema:       schema,
		codec:        codec,
		connector:    connector,
		basePath:     "/",
		requestLimit: DefaultRequestLimit,
		logger:       zerolog.Nop(),
	}
	if s.connector == nil {
		s.connector = webchan.NoContext{}
	}
	for _, o := range opts {
		o.apply(s)
	}
	return s
}

// RegisterUnary attaches the handler for a unary method declared in
// the schema.
func (s *Server) RegisterUnary(method string, h UnaryHandler) error {
	if err := s.checkMethod(method, webchan.MethodUnary); err != nil {
		return err
	}
	s.mux.HandleFunc(path.Join(s.basePath, method), func(w http.ResponseWriter, r *http.Request) {
		s.serveCall(w, r, method, h, nil)
	})
	return nil
}

// RegisterStream attaches the handler for a server-streamed method
// declared in the schema.
func (s *Server) RegisterStream(method string, h StreamHandler) error {
	if err := s.checkMethod(method, webchan.MethodServerStream); err != nil {
		return err
	}
	s.mux.HandleFunc(path.Join(s.basePath, method), func(w http.ResponseWriter, r *http.Request) {
		s.serveCall(w, r, method, nil, h)
	})
	return nil
}

func (s *Server) checkMethod(method string, kind webchan.MethodKind) error {
	m, ok := s.schema.Method(method)
	if !ok {
		return fmt.Errorf("method %q is not declared in schema %q", method, s.schema.Name())
	}
	if m.Kind != kind {
		return fmt.Errorf("method %q is declared %v, not %v", method, m.Kind, kind)
	}
	return nil
}

// ServeHTTP implements http.Handler, exposing the registered methods
// to HTTP clients.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveCall(w http.ResponseWriter, r *http.Request, method string, unary UnaryHandler, stream StreamHandler) {
	defer drainAndClose(r.Body)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeHTTPError(w, http.StatusMethodNotAllowed)
		return
	}
	if accept := r.Header.Get("Accept"); accept != s.codec.ContentType() {
		writeHTTPError(w, http.StatusNotAcceptable)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != s.codec.ContentType() {
		writeHTTPError(w, http.StatusUnsupportedMediaType)
		return
	}

	call := &serverCall{s: s, w: w, url: r.URL.String(), method: method}

	if s.limiter != nil && !s.limiter.Allow() {
		call.fail(&webchan.ServerError{
			Kind:               webchan.ResourceExhausted,
			TransmittedMessage: "rate limit exceeded",
		})
		return
	}

	body, err := s.readBody(r.Body)
	if err != nil {
		call.fail(err)
		return
	}

	encoded := webchan.EncodedContext(internal.ContextFromHeaders(r.Header))
	reqCtx, err := s.connector.DecodeRequestContext(encoded)
	if err != nil {
		call.fail(err)
		return
	}

	req, err := s.codec.DecodeRequest(method, body)
	if err != nil {
		call.fail(&webchan.ServerError{
			Kind:    webchan.Internal,
			Message: fmt.Sprintf("decode request for %s: %v", method, err),
		})
		return
	}

	if unary != nil {
		call.dispatchUnary(r.Context(), unary, req, reqCtx)
	} else {
		call.dispatchStream(r.Context(), stream, req, reqCtx)
	}
}

// readBody reads the request body up to the configured limit.
func (s *Server) readBody(body io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(body, s.requestLimit+1))
	if err != nil {
		return nil, &webchan.ServerError{
			Kind:    webchan.Internal,
			Message: "read request body: " + err.Error(),
		}
	}
	if int64(len(b)) > s.requestLimit {
		return nil, &webchan.ServerError{
			Kind:               webchan.InvalidArgument,
			Message:            fmt.Sprintf("request body exceeds %d-byte limit", s.requestLimit),
			TransmittedMessage: "Request Too Large",
		}
	}
	return b, nil
}

// report delivers an error to the configured sink, guarding against a
// reporter that itself panics.
func (s *Server) report(err error, url string) {
	if s.reportError == nil {
		s.logger.Error().Err(err).Str("url", url).Msg("rpc call failed")
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Str("url", url).Msg("error reporter panicked")
		}
	}()
	s.reportError(err, url)
}

// serverCall is the per-request state of one HTTP exchange. It exists
// only for the duration of the exchange; calls share nothing.
type serverCall struct {
	s      *Server
	w      http.ResponseWriter
	url    string
	method string

	mu          sync.Mutex
	headersSent bool
	writeFailed bool
	ready       bool
	misuse      error
}

func (c *serverCall) dispatchUnary(ctx context.Context, h UnaryHandler, req, reqCtx interface{}) {
	var resp interface{}
	err := safeInvoke(func() error {
		var herr error
		resp, herr = h(ctx, req, reqCtx)
		return herr
	})
	if err != nil {
		c.fail(err)
		return
	}
	b, err := c.s.codec.EncodeMessage(c.method, resp)
	if err != nil {
		c.fail(&webchan.ServerError{
			Kind:    webchan.Internal,
			Message: fmt.Sprintf("encode response for %s: %v", c.method, err),
		})
		return
	}
	c.flushHeaders(http.StatusOK, nil)
	c.writeFrame(0, b)
	c.writeTrailer(nil)
}

func (c *serverCall) dispatchStream(ctx context.Context, h StreamHandler, req, reqCtx interface{}) {
	ss := &ServerStream{call: c}
	err := safeInvoke(func() error {
		return h(ctx, req, reqCtx, ss)
	})
	c.mu.Lock()
	misuse := c.misuse
	c.mu.Unlock()
	if err == nil {
		err = misuse
	}
	if err != nil {
		c.fail(err)
		return
	}
	// a handler that never went ready still ends as a success
	c.flushHeaders(http.StatusOK, nil)
	c.writeTrailer(nil)
}

// fail reports the error and serializes it to the client: as status
// headers when nothing has been flushed yet, as an error trailer frame
// otherwise. Only a ServerError's kind and TransmittedMessage reach
// the wire; every other error is transmitted as a bare internal.
func (c *serverCall) fail(err error) {
	c.s.report(err, c.url)

	kind := webchan.Internal
	msg := ""
	if se, ok := err.(*webchan.ServerError); ok {
		kind = se.Kind
		msg = se.TransmittedMessage
	}

	c.mu.Lock()
	sent := c.headersSent
	c.mu.Unlock()
	if !sent {
		h := c.w.Header()
		internal.ContextToHeaders(c.responseContext(err), h)
		h.Set("Content-Type", c.s.codec.ContentType())
		h.Set("grpc-status", strconv.Itoa(int(webchan.CodeFromKind(kind))))
		if msg != "" {
			h.Set("grpc-message", internal.PercentEncode(msg))
		}
		c.w.WriteHeader(webchan.HTTPStatusFromKind(kind))
		c.mu.Lock()
		c.headersSent = true
		c.mu.Unlock()
		return
	}

	md := webchan.EncodedContext{
		"grpc-status": strconv.Itoa(int(webchan.CodeFromKind(kind))),
	}
	if msg != "" {
		md["grpc-message"] = internal.PercentEncode(msg)
	}
	c.writeTrailerMD(md)
}

// responseContext obtains the response context from the connector,
// reporting (but otherwise absorbing) a connector failure so that
// error serialization always makes progress.
func (c *serverCall) responseContext(callErr error) map[string]string {
	rc, err := c.s.connector.ProvideResponseContext(callErr)
	if err != nil {
		c.s.report(fmt.Errorf("provide response context: %w", err), c.url)
		return nil
	}
	return rc
}

// flushHeaders writes the response context and status line once.
func (c *serverCall) flushHeaders(status int, callErr error) {
	c.mu.Lock()
	if c.headersSent {
		c.mu.Unlock()
		return
	}
	c.headersSent = true
	c.mu.Unlock()

	h := c.w.Header()
	internal.ContextToHeaders(c.responseContext(callErr), h)
	h.Set("Content-Type", c.s.codec.ContentType())
	c.w.WriteHeader(status)
}

// writeTrailer writes the success trailer frame. The metadata carries
// an explicit zero grpc-status.
func (c *serverCall) writeTrailer(extra webchan.EncodedContext) {
	md := webchan.EncodedContext{"grpc-status": "0"}
	for k, v := range extra {
		md[k] = v
	}
	c.writeTrailerMD(md)
}

func (c *serverCall) writeTrailerMD(md webchan.EncodedContext) {
	b, err := c.s.codec.EncodeTrailer(md)
	if err != nil {
		c.s.report(fmt.Errorf("encode trailer: %w", err), c.url)
		return
	}
	c.writeFrame(TrailerFlag, b)
}

func (c *serverCall) writeFrame(flag byte, payload []byte) {
	c.mu.Lock()
	failed := c.writeFailed
	c.mu.Unlock()
	if failed {
		return
	}
	if _, err := c.w.Write(EncodeFrame(flag, payload)); err != nil {
		c.mu.Lock()
		c.writeFailed = true
		c.mu.Unlock()
		c.s.logger.Debug().Err(err).Str("url", c.url).Msg("response write failed")
		return
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// recordMisuse notes a handler protocol violation. The first misuse
// wins; it becomes the call's outcome if the handler returns nil.
func (c *serverCall) recordMisuse(msg string) error {
	err := &webchan.ProtocolError{Message: msg}
	c.mu.Lock()
	if c.misuse == nil {
		c.misuse = err
	}
	c.mu.Unlock()
	return err
}

// ServerStream is the handler-side surface of a server-streamed call.
type ServerStream struct {
	call *serverCall
}

// Ready flushes the response headers, carrying the response context,
// and opens the message window. It may be called at most once and must
// precede any Send; a handler that sends nothing may skip it and still
// ends as a success. Client disconnect after Ready cancels the handler
// context.
func (ss *ServerStream) Ready() error {
	c := ss.call
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return c.recordMisuse("Ready called more than once")
	}
	c.ready = true
	c.mu.Unlock()
	c.flushHeaders(http.StatusOK, nil)
	return nil
}

// Send writes one message frame. It may only be called after Ready.
func (ss *ServerStream) Send(v interface{}) error {
	c := ss.call
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		return c.recordMisuse("Send called before Ready")
	}
	b, err := c.s.codec.EncodeMessage(c.method, v)
	if err != nil {
		return c.recordMisuse(fmt.Sprintf("encode message for %s: %v", c.method, err))
	}
	c.writeFrame(0, b)
	return nil
}

func safeInvoke(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return f()
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}

func writeHTTPError(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}
