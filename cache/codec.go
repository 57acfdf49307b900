package cache

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// msgpackCodec is the default value codec. msgpack is compact, fast, and
// round-trips time.Time with full precision, which matters for the entry
// envelope timestamps.
type msgpackCodec struct{}

// NewMsgpackCodec returns the default msgpack value codec.
func NewMsgpackCodec() Codec {
	return msgpackCodec{}
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// jsonCodec trades size and speed for payloads that can be inspected with
// redis-cli during an incident. Useful in development, and when other
// (non-Go) consumers read the same cache.
type jsonCodec struct{}

// NewJSONCodec returns a JSON value codec.
func NewJSONCodec() Codec {
	return jsonCodec{}
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
