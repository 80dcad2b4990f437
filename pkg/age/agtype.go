package age

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotVertex and ErrNotEdge are returned when agtype text decodes to
// something else
var (
	ErrNotVertex = errors.New("agtype value is not a vertex")
	ErrNotEdge   = errors.New("agtype value is not an edge")
)

// Vertex is a decoded ::vertex value
type Vertex struct {
	ID         string
	Label      string
	Properties map[string]any
}

// Edge is a decoded ::edge value
type Edge struct {
	ID         string
	Label      string
	StartID    string
	EndID      string
	Properties map[string]any
}

// ParseAgtype decodes the text form of an agtype value. Type annotations
// (::vertex, ::edge, ::path, ::numeric) are dropped. Integers and floats
// come back as json.Number so 64-bit graph ids survive; NaN and the
// infinities come back as strings.
func ParseAgtype(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(stripAnnotations(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode agtype %q: %w", truncate(s, 64), err)
	}
	return v, nil
}

// ParseProperties decodes an agtype map, as stored in the properties column
// of a label table
func ParseProperties(s string) (map[string]any, error) {
	v, err := ParseAgtype(s)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	default:
		return nil, fmt.Errorf("agtype properties must be a map, got %T", v)
	}
}

func ParseVertex(s string) (Vertex, error) {
	m, err := parseEntity(s, "::vertex")
	if err != nil {
		return Vertex{}, err
	}
	if m == nil {
		return Vertex{}, ErrNotVertex
	}
	return Vertex{
		ID:         idString(m["id"]),
		Label:      labelOf(m["label"], defaultVertexLabel),
		Properties: propsOf(m["properties"]),
	}, nil
}

func ParseEdge(s string) (Edge, error) {
	m, err := parseEntity(s, "::edge")
	if err != nil {
		return Edge{}, err
	}
	if m == nil || m["start_id"] == nil || m["end_id"] == nil {
		return Edge{}, ErrNotEdge
	}
	return Edge{
		ID:         idString(m["id"]),
		Label:      labelOf(m["label"], defaultEdgeLabel),
		StartID:    idString(m["start_id"]),
		EndID:      idString(m["end_id"]),
		Properties: propsOf(m["properties"]),
	}, nil
}

func parseEntity(s, annotation string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, annotation) {
		return nil, nil
	}
	v, err := ParseAgtype(s)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// stripAnnotations removes ::type suffixes and quotes the non-JSON float
// literals, leaving string contents untouched
func stripAnnotations(s string) []byte {
	out := make([]byte, 0, len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == ':' && i+1 < len(s) && s[i+1] == ':':
			i += 2
			for i < len(s) && isIdentByte(s[i]) {
				i++
			}
			i--
		default:
			if lit, ok := floatLiteral(s[i:]); ok {
				out = append(out, '"')
				out = append(out, lit...)
				out = append(out, '"')
				i += len(lit) - 1
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

func floatLiteral(s string) (string, bool) {
	for _, lit := range []string{"-Infinity", "Infinity", "NaN"} {
		if strings.HasPrefix(s, lit) {
			return lit, true
		}
	}
	return "", false
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// AGE stores unlabeled entities in these parent tables
const (
	defaultVertexLabel = "_ag_label_vertex"
	defaultEdgeLabel   = "_ag_label_edge"
)

func labelOf(v any, fallback string) string {
	s, _ := v.(string)
	if s == fallback {
		return ""
	}
	return s
}

func idString(v any) string {
	switch id := v.(type) {
	case json.Number:
		return id.String()
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func propsOf(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
