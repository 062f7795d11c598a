package codec

import (
	"encoding/json"
)

// JSONCodec is the native Backsync wire format: one JSON object per message.
// Websocket peers (including browsers) only ever speak this one.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
