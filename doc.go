// Package webchan is an RPC framework that speaks the gRPC-Web wire
// protocol over ordinary HTTP/1.1 request/response transports, with a
// pluggable message codec (JSON by default).
//
// Services are declared as schemas that map method names to request and
// response shapes; no separate interface-description language is
// involved. The grpcweb subpackage compiles a schema into an
// http.Handler on the server side and into per-call client streams on
// the other, both built on the Stream abstraction defined here.
//
// A Stream is the uniform, event-driven handle over one RPC attempt,
// whether unary or server-streamed. It delivers a strictly ordered
// event sequence: at most one ready, zero or more messages, and exactly
// one terminal event (complete, canceled, or error). RetryStream wraps
// a stream factory with transparent re-open and exponential backoff
// while preserving that event grammar.
package webchan
