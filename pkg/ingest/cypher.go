package ingest

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/mitchellh/mapstructure"
)

const unwindEvents = "UNWIND $events AS event"

// internalID is the identity key that addresses a node by its database id
const internalID = "_id"

// quote back-ticks a label, type or property name
func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// labelClause renders ":`A`:`B`"
func labelClause(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteByte(':')
		b.WriteString(quote(l))
	}
	return b.String()
}

// keyMap renders an inline property predicate reading every key from param,
// e.g. {`email`: event.keys.`email`}. Keys are sorted.
func keyMap(param string, keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	parts := make([]string, len(sorted))
	for i, k := range sorted {
		parts[i] = fmt.Sprintf("%s: %s.%s", quote(k), param, quote(k))
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

// nodePattern renders (v:`A`:`B` {…})
func nodePattern(v string, labels []string, param string, keys []string) string {
	return "(" + v + labelClause(labels) + keyMap(param, keys) + ")"
}

func statement(lines ...string) string {
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

func sortedLabels(labels []string) []string {
	out := slices.Clone(labels)
	slices.Sort(out)
	return slices.Compact(out)
}

// asMap returns v as a string-keyed map
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// asStrings converts a decoded list of names
func asStrings(v any) ([]string, bool) {
	switch l := v.(type) {
	case nil:
		return nil, true
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// asEvent decodes a record value into a change event. Values arrive as
// generic maps from the codec, or as events when compiled in-process.
func asEvent(v any) (cdc.Event, error) {
	switch e := v.(type) {
	case *cdc.Event:
		if e == nil {
			return cdc.Event{}, cdc.ErrEmptyPayload
		}
		return asEvent(*e)
	case cdc.Event:
		if e.Payload == nil {
			return cdc.Event{}, cdc.ErrUnknownPayload
		}
		return e, e.Payload.Validate()
	}

	var env cdc.Envelope
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &env,
	})
	if err != nil {
		return cdc.Event{}, err
	}
	if err := dec.Decode(v); err != nil {
		return cdc.Event{}, fmt.Errorf("decoding change event: %w", err)
	}
	return env.Event()
}
