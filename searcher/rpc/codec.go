package rpc

import (
	"connectrpc.com/connect"
	"github.com/sugawarayuuta/sonnet"
)

// jsonCodec lets connect carry plain Go structs. It is registered under "json", replacing the
// protojson codec, so both the Connect protocol (application/json) and gRPC-Web (+json) work.
type jsonCodec struct{}

var _ connect.Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return sonnet.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	return sonnet.Unmarshal(data, msg)
}
