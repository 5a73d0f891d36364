package internal

import (
	"net/http"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// PercentEncode escapes a header value for the wire: every byte
// outside the printable ASCII range, plus '%' itself, becomes a %XX
// escape. This matches the percent-encoding rule gRPC uses for
// grpc-message and lets context values carry arbitrary characters
// through HTTP headers.
func PercentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < ' ' || c > '~' || c == '%' {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PercentDecode reverses PercentEncode. Malformed escapes are kept
// literally rather than rejected, so a value that was never encoded
// round-trips unchanged.
func PercentDecode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// reservedHeaders are transport-level headers that are never part of a
// call's context in either direction.
var reservedHeaders = map[string]struct{}{
	"accept":            {},
	"accept-encoding":   {},
	"allow":             {},
	"connection":        {},
	"content-type":      {},
	"content-length":    {},
	"date":              {},
	"grpc-status":       {},
	"grpc-message":      {},
	"host":              {},
	"keep-alive":        {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
	"user-agent":        {},
}

// ContextFromHeaders extracts an encoded call context from HTTP
// headers: keys are folded to lowercase, reserved transport headers
// are skipped, and values are percent-decoded. Only the first value of
// a repeated header is kept, since encoded contexts are single-valued.
func ContextFromHeaders(h http.Header) map[string]string {
	ec := map[string]string{}
	for k, vs := range h {
		k = strings.ToLower(k)
		if _, ok := reservedHeaders[k]; ok {
			continue
		}
		if len(vs) > 0 {
			ec[k] = PercentDecode(vs[0])
		}
	}
	return ec
}

// ContextToHeaders writes an encoded call context into HTTP headers,
// percent-encoding values. Reserved transport headers are ignored so a
// context entry can never clobber the negotiated content type or the
// status headers.
func ContextToHeaders(ec map[string]string, h http.Header) {
	for k, v := range ec {
		k = strings.ToLower(k)
		if _, ok := reservedHeaders[k]; ok {
			continue
		}
		h.Set(k, PercentEncode(v))
	}
}
