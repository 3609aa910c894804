package grpc

import (
    "encoding/json"
    "fmt"

    "google.golang.org/grpc/encoding"
)

// jsonCodec carries the cluster wire types as plain JSON, the same bodies the
// HTTP transport sends.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
    if v == nil { return []byte("null"), nil }
    return json.Marshal(v)
}

func (jsonCodec) Unmarshal(b []byte, v interface{}) error {
    if err := json.Unmarshal(b, v); err != nil { return fmt.Errorf("grpc json codec: %w", err) }
    return nil
}

func (jsonCodec) Name() string { return "json" }

func init() {
    encoding.RegisterCodec(jsonCodec{})
}
