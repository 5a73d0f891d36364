package webchan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Codec translates between in-memory values and wire bytes for one
// content type. Request and message payloads are interpreted per
// method; trailer metadata is content-type-independent text but is
// still owned by the codec so alternate codecs can override it.
//
// Implementations must be safe for concurrent use.
type Codec interface {
	// ContentType is the exact HTTP Content-Type (and Accept) value
	// negotiated for this codec.
	ContentType() string

	EncodeRequest(method string, v interface{}) ([]byte, error)
	DecodeRequest(method string, data []byte) (interface{}, error)
	EncodeMessage(method string, v interface{}) ([]byte, error)
	DecodeMessage(method string, data []byte) (interface{}, error)

	// EncodeTrailer renders trailer metadata as CRLF-separated
	// "name: value" lines. Entries with empty values are omitted.
	EncodeTrailer(md EncodedContext) ([]byte, error)
	// DecodeTrailer parses trailer metadata, normalizing names to
	// lowercase and trimming surrounding whitespace from values.
	DecodeTrailer(data []byte) (EncodedContext, error)
}

// JSONContentType is the content type of the default JSON codec.
const JSONContentType = "application/grpc-web+json"

// JSONCodec is the default codec: UTF-8 JSON with content type
// application/grpc-web+json. Every request and message payload must be
// a JSON object at the root; arrays and bare scalars are rejected on
// decode, and nil payloads are rejected on encode. When the schema
// supplies prototype factories, decoded values are typed; otherwise
// they are map[string]interface{}.
type JSONCodec struct {
	schema *ServiceSchema
}

// NewJSONCodec returns a JSON codec bound to the given schema.
func NewJSONCodec(schema *ServiceSchema) *JSONCodec {
	return &JSONCodec{schema: schema}
}

func (c *JSONCodec) ContentType() string { return JSONContentType }

func (c *JSONCodec) EncodeRequest(method string, v interface{}) ([]byte, error) {
	return c.encode(v)
}

func (c *JSONCodec) DecodeRequest(method string, data []byte) (interface{}, error) {
	return c.decode(data, c.prototype(method, true))
}

func (c *JSONCodec) EncodeMessage(method string, v interface{}) ([]byte, error) {
	return c.encode(v)
}

func (c *JSONCodec) DecodeMessage(method string, data []byte) (interface{}, error) {
	return c.decode(data, c.prototype(method, false))
}

func (c *JSONCodec) prototype(method string, request bool) func() interface{} {
	m, ok := c.schema.Method(method)
	if !ok {
		return nil
	}
	if request {
		return m.NewRequest
	}
	return m.NewResponse
}

func (c *JSONCodec) encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, errors.New("cannot encode absent payload")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if !isJSONObject(b) {
		return nil, fmt.Errorf("payload must encode to a JSON object, got %s", jsonRootKind(b))
	}
	return b, nil
}

func (c *JSONCodec) decode(data []byte, proto func() interface{}) (interface{}, error) {
	if !isJSONObject(data) {
		return nil, fmt.Errorf("payload must be a JSON object, got %s", jsonRootKind(data))
	}
	if proto == nil {
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	v := proto()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *JSONCodec) EncodeTrailer(md EncodedContext) ([]byte, error) {
	return EncodeTrailer(md), nil
}

func (c *JSONCodec) DecodeTrailer(data []byte) (EncodedContext, error) {
	return DecodeTrailer(data)
}

// EncodeTrailer renders trailer metadata as CRLF-separated
// "name: value" lines in sorted key order, omitting empty values.
// It is shared by codec implementations.
func EncodeTrailer(md EncodedContext) []byte {
	keys := make([]string, 0, len(md))
	for k := range md {
		if md[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(strings.ToLower(k))
		buf.WriteString(": ")
		buf.WriteString(md[k])
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// DecodeTrailer parses CRLF-separated "name: value" lines, folding
// names to lowercase and trimming whitespace around values. Lines
// without a colon are rejected.
func DecodeTrailer(data []byte) (EncodedContext, error) {
	md := EncodedContext{}
	for _, line := range strings.Split(string(data), "\r\n") {
		line = strings.TrimSuffix(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed trailer line %q", line)
		}
		md[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return md, nil
}

func isJSONObject(b []byte) bool {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func jsonRootKind(b []byte) string {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 {
		return "empty input"
	}
	switch trimmed[0] {
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "scalar"
	}
}
