package ddp

import (
	"github.com/bringyour/ddp/ejson"
)

// converts protocol values to and from frame bytes
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

func DefaultCodec() Codec {
	return ejson.NewCodec()
}
