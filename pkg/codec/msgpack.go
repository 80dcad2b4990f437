package codec

import (
	"bytes"
	"fmt"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes the event envelope as MessagePack. Keys are always
// MessagePack encoded, strings included.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return MessagePack }

func (MsgpackCodec) EncodeEvent(ev cdc.Event) ([]byte, error) {
	env, err := ev.ToEnvelope()
	if err != nil {
		return nil, err
	}
	return marshalMsgpack(env)
}

func (MsgpackCodec) DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return unmarshalMsgpack(data)
}

func (MsgpackCodec) EncodeKey(key any) ([]byte, error) {
	if key == nil {
		return nil, nil
	}
	return marshalMsgpack(key)
}

func (MsgpackCodec) DecodeKey(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return unmarshalMsgpack(data)
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding msgpack: %w", err)
	}
	return buf.Bytes(), nil
}

// unmarshalMsgpack decodes into generic values: string-keyed maps, strings
// kept as strings and integers widened to int64 or uint64.
func unmarshalMsgpack(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding msgpack: %w", err)
	}
	return v, nil
}
