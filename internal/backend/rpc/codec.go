package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// Name is the codec name carried in the grpc content-subtype.
const Name = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	encoding.RegisterCodec(codec{})
}

// codec serializes the wire structs with deterministic CBOR. Both ends
// force it through grpc.ForceCodec / grpc.ForceServerCodec so no proto
// descriptors are needed.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal: %w", err)
	}
	return nil
}

func (codec) Name() string {
	return Name
}
