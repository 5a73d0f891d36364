// Package grpcweb implements the gRPC-Web wire protocol over plain
// HTTP/1.1 request/response transports: 5-byte-headered frames in the
// response body, trailer-in-body with the final status, and
// status-in-headers for calls that fail before any response bytes are
// flushed.
//
// Server compiles a service schema plus registered handlers into an
// http.Handler with one route per method. Client issues calls against
// a remote base URL, presenting each call as a webchan.Stream whose
// events are reassembled from transport chunks by a ChunkParser.
package grpcweb
