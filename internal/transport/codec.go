// Package transport wires PartitionModule's verbs onto gRPC without a
// protoc code-generation step: the corpus's own api/proto package (imported
// by the teacher's cmd/*/main.go) is generated from .proto files that are
// not part of this tree, so instead of inventing .pb.go stubs this package
// registers a JSON grpc.Codec and builds the grpc.ServiceDesc by hand,
// exactly the shape protoc-gen-go-grpc would have produced.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

// jsonCodec implements encoding.Codec (and is installed under the "json"
// content-subtype) so every message on the wire is plain JSON instead of
// protobuf-binary.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
