package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborCodec carries the plain Go messages of the system service as CBOR,
// so neither side needs generated protobuf types.
type cborCodec struct {
	enc cbor.EncMode
}

func newCBORCodec() *cborCodec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: cbor enc mode: %v", err))
	}
	return &cborCodec{enc: enc}
}

// Name is the content subtype: requests carry application/cbor.
func (c *cborCodec) Name() string { return "cbor" }

func (c *cborCodec) Marshal(msg any) ([]byte, error) {
	return c.enc.Marshal(msg)
}

func (c *cborCodec) Unmarshal(data []byte, msg any) error {
	return cbor.Unmarshal(data, msg)
}
