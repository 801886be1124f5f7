// Package rpc defines the tally.v1.Tally gRPC service: its messages, the
// JSON codec they travel with, client and server bindings, and the mapping
// between domain errors and gRPC status codes.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content-subtype every tally call uses (application/grpc+json)
const CodecName = "json"

// Codec marshals messages as JSON. Protobuf messages (health, reflection)
// go through protojson so they stay reachable with the same subtype.
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}
