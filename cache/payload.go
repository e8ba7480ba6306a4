package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Payload is the serialized result held by a populated cache record.
type Payload struct {
	Kind       RecordKind `msgpack:"k"`
	RecordHash uint64     `msgpack:"h"`
	Data       []byte     `msgpack:"d"`
}

// NewPayload encodes value with msgpack.
func NewPayload(kind RecordKind, hash uint64, value any) (Payload, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return Payload{}, fmt.Errorf("cache: encode %s payload: %w", kind, err)
	}
	return Payload{Kind: kind, RecordHash: hash, Data: data}, nil
}

// Decode decodes the payload into v, which must be a pointer.
func (p Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return ErrPayloadEmpty
	}
	if err := msgpack.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("cache: decode %s payload: %w", p.Kind, err)
	}
	return nil
}

// Size returns the encoded size in bytes.
func (p Payload) Size() int {
	return len(p.Data)
}
