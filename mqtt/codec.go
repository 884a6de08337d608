package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Codec encodes published payloads and decodes incoming commands.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// NewCodec returns the codec for the given encoding name. An empty name
// selects JSON.
func NewCodec(encoding string) (Codec, error) {
	switch encoding {
	case "", EncodingJSON:
		return jsonCodec{}, nil
	case EncodingCBOR:
		em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
		if err != nil {
			return nil, err
		}
		return cborCodec{enc: em}, nil
	default:
		return nil, fmt.Errorf("unknown MQTT encoding %q", encoding)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
}

func (c cborCodec) Marshal(v interface{}) ([]byte, error)    { return c.enc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v interface{}) error { return cbor.Unmarshal(data, v) }
