// Package codec serializes change events and message keys for the broker.
//
// Values are encoded from a cdc.Event through its wire envelope and decoded
// into generic maps, so the ingestion side can read records produced by any
// writer, not only this one.
package codec

import (
	"fmt"
	"strings"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
)

const (
	JSON        = "json"
	MessagePack = "msgpack"
)

// Codec converts events and keys to and from message bytes.
// An empty value decodes to nil, the tombstone marker.
type Codec interface {
	Name() string
	EncodeEvent(ev cdc.Event) ([]byte, error)
	DecodeValue(data []byte) (any, error)
	EncodeKey(key any) ([]byte, error)
	DecodeKey(data []byte) (any, error)
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", JSON:
		return JSONCodec{}, nil
	case MessagePack, "messagepack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want json or msgpack)", name)
	}
}
