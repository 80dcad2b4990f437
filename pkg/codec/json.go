package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
)

// JSONCodec is the default codec. Numbers decode as json.Number so 64-bit
// entity ids and Long properties survive the round trip.
type JSONCodec struct{}

func (JSONCodec) Name() string { return JSON }

func (JSONCodec) EncodeEvent(ev cdc.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event as json: %w", err)
	}
	return data, nil
}

func (JSONCodec) DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return decodeJSON(data)
}

// EncodeKey writes string keys verbatim and everything else as JSON
func (JSONCodec) EncodeKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(k), nil
	case []byte:
		return k, nil
	}
	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encoding key as json: %w", err)
	}
	return data, nil
}

// DecodeKey reads JSON objects and arrays back into generic values. Any
// other key is returned as a string.
func (JSONCodec) DecodeKey(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if v, err := decodeJSON(trimmed); err == nil {
			return v, nil
		}
	}
	return string(data), nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	return v, nil
}
