package pattern

import (
	"maps"
	"slices"
)

// Mode selects how a Filter treats property names
type Mode int

const (
	All Mode = iota
	Include
	Exclude
)

func (m Mode) String() string {
	switch m {
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	default:
		return "all"
	}
}

// Filter redacts a property map. Names is sorted and empty for All.
type Filter struct {
	Mode  Mode
	Names []string
}

// Apply returns a filtered copy of props
func (f Filter) Apply(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	switch f.Mode {
	case Include:
		for _, n := range f.Names {
			if v, ok := props[n]; ok {
				out[n] = v
			}
		}
	case Exclude:
		for k, v := range props {
			if !slices.Contains(f.Names, k) {
				out[k] = v
			}
		}
	default:
		maps.Copy(out, props)
	}
	return out
}

// Allows reports whether the filter passes the named property
func (f Filter) Allows(name string) bool {
	switch f.Mode {
	case Include:
		return slices.Contains(f.Names, name)
	case Exclude:
		return !slices.Contains(f.Names, name)
	default:
		return true
	}
}
