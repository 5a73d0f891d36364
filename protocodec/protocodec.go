// Package protocodec provides a drop-in codec for schemas whose
// request and response prototypes are protobuf-generated message
// types, encoded with the protojson mapping. It uses the same
// application/grpc-web+json content type as the default codec, so
// servers and clients can adopt it without renegotiating.
package protocodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/webchan/webchan"
)

// Codec encodes and decodes proto messages as JSON. Every method in
// the bound schema must carry NewRequest and NewResponse factories
// that produce proto.Message values.
type Codec struct {
	schema    *webchan.ServiceSchema
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

// New returns a proto-JSON codec bound to the given schema.
func New(schema *webchan.ServiceSchema) *Codec {
	return &Codec{
		schema:    schema,
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (c *Codec) ContentType() string { return webchan.JSONContentType }

func (c *Codec) EncodeRequest(method string, v interface{}) ([]byte, error) {
	return c.encode(v)
}

func (c *Codec) DecodeRequest(method string, data []byte) (interface{}, error) {
	return c.decode(method, data, true)
}

func (c *Codec) EncodeMessage(method string, v interface{}) ([]byte, error) {
	return c.encode(v)
}

func (c *Codec) DecodeMessage(method string, data []byte) (interface{}, error) {
	return c.decode(method, data, false)
}

func (c *Codec) EncodeTrailer(md webchan.EncodedContext) ([]byte, error) {
	return webchan.EncodeTrailer(md), nil
}

func (c *Codec) DecodeTrailer(data []byte) (webchan.EncodedContext, error) {
	return webchan.DecodeTrailer(data)
}

func (c *Codec) encode(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("value of type %T is not a proto message", v)
	}
	return c.marshal.Marshal(m)
}

func (c *Codec) decode(method string, data []byte, request bool) (interface{}, error) {
	ms, ok := c.schema.Method(method)
	if !ok {
		return nil, fmt.Errorf("method %q is not declared in schema %q", method, c.schema.Name())
	}
	factory := ms.NewResponse
	if request {
		factory = ms.NewRequest
	}
	if factory == nil {
		return nil, fmt.Errorf("method %q has no prototype factory for proto decoding", method)
	}
	v := factory()
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("prototype of type %T is not a proto message", v)
	}
	if err := c.unmarshal.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
