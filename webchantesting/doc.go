// Package webchantesting provides a test service and a reusable suite
// of client test cases for exercising gRPC-Web channel implementations
// end to end. Tests register a TestServer behind a grpcweb.Server,
// point a grpcweb.Client at it, and run RunClientTestCases.
package webchantesting
