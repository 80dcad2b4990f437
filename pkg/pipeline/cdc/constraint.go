package cdc

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// ConstraintType is the kind of a database-declared constraint
type ConstraintType string

const (
	ConstraintUnique                     ConstraintType = "UNIQUE"
	ConstraintNodePropertyExists         ConstraintType = "NODE_PROPERTY_EXISTS"
	ConstraintRelationshipPropertyExists ConstraintType = "RELATIONSHIP_PROPERTY_EXISTS"
)

// Constraint scopes a label (or relationship type) to a set of properties.
// Label holds the relationship type for RELATIONSHIP_PROPERTY_EXISTS constraints.
type Constraint struct {
	Label      string         `json:"label" msgpack:"label"`
	Properties []string       `json:"properties" msgpack:"properties"`
	Type       ConstraintType `json:"type" msgpack:"type"`
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s(%s){%s}", c.Type, c.Label, strings.Join(c.Properties, ","))
}

// OnRelationship reports whether the constraint is owned by a relationship type
func (c Constraint) OnRelationship() bool {
	return c.Type == ConstraintRelationshipPropertyExists
}

// ParseConstraintType accepts the canonical names and a few common aliases
func ParseConstraintType(s string) (ConstraintType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNIQUE", "UNIQUENESS", "NODE_KEY":
		return ConstraintUnique, nil
	case "NODE_PROPERTY_EXISTS", "EXISTS", "NODE_EXISTS":
		return ConstraintNodePropertyExists, nil
	case "RELATIONSHIP_PROPERTY_EXISTS", "RELATIONSHIP_EXISTS":
		return ConstraintRelationshipPropertyExists, nil
	default:
		return "", fmt.Errorf("unknown constraint type %q", s)
	}
}

// KeyStrategy controls how many of an endpoint's constraint properties are
// captured as its identity.
type KeyStrategy string

const (
	KeyStrategyDefault KeyStrategy = "default"
	KeyStrategyAll     KeyStrategy = "all"
)

// ParseKeyStrategy treats an empty string as the default strategy
func ParseKeyStrategy(s string) (KeyStrategy, error) {
	switch KeyStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyStrategyDefault:
		return KeyStrategyDefault, nil
	case KeyStrategyAll:
		return KeyStrategyAll, nil
	default:
		return "", fmt.Errorf("unknown key strategy %q (want default or all)", s)
	}
}

// compareConstraints orders unique constraints by property count, then by
// owning label, then by property names.
func compareConstraints(a, b Constraint) int {
	if c := cmp.Compare(len(a.Properties), len(b.Properties)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Label, b.Label); c != 0 {
		return c
	}
	return slices.Compare(sortedCopy(a.Properties), sortedCopy(b.Properties))
}

func sortedCopy(s []string) []string {
	c := slices.Clone(s)
	slices.Sort(c)
	return c
}

// ApplicableKeys returns the unique constraints owned by one of labels whose
// properties are all present in props, in preference order.
func ApplicableKeys(labels []string, props map[string]any, constraints []Constraint) []Constraint {
	var out []Constraint
	for _, c := range constraints {
		if c.Type != ConstraintUnique || len(c.Properties) == 0 || !slices.Contains(labels, c.Label) {
			continue
		}
		present := true
		for _, p := range c.Properties {
			if _, ok := props[p]; !ok {
				present = false
				break
			}
		}
		if present {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, compareConstraints)
	return out
}

// PickKey returns the preferred unique constraint for a node: fewest key
// properties, ties broken by alphabetically first label then property name.
func PickKey(labels []string, props map[string]any, constraints []Constraint) (Constraint, bool) {
	keys := ApplicableKeys(labels, props, constraints)
	if len(keys) == 0 {
		return Constraint{}, false
	}
	return keys[0], true
}

// KeyConstraints returns the unique constraints that make up a node's
// identity under strategy: the preferred one for default, every applicable
// one for all.
func KeyConstraints(labels []string, props map[string]any, constraints []Constraint, strategy KeyStrategy) []Constraint {
	keys := ApplicableKeys(labels, props, constraints)
	if len(keys) > 1 && strategy != KeyStrategyAll {
		return keys[:1]
	}
	return keys
}

// NodeKeys returns the identity property names of a node under strategy.
func NodeKeys(labels []string, props map[string]any, constraints []Constraint, strategy KeyStrategy) []string {
	keys := KeyConstraints(labels, props, constraints, strategy)
	if len(keys) == 0 {
		return nil
	}
	if len(keys) == 1 {
		return slices.Clone(keys[0].Properties)
	}

	var names []string
	for _, c := range keys {
		for _, p := range c.Properties {
			if !slices.Contains(names, p) {
				names = append(names, p)
			}
		}
	}
	slices.Sort(names)
	return names
}

// Pick copies the named keys out of props
func Pick(props map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}
