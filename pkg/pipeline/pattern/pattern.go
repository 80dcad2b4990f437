// Package pattern parses the label/property pattern language shared by topic
// routing rules and the pattern ingestion strategy.
//
//	Label1:Label2{!key1,!key2,prop1,prop2}   node, explicit properties
//	Label{!key,*}                             node, all properties
//	Label{!key,-secret}                       node, all but secret
//	KNOWS{since}                              relationship type
//	(:A{!id})-[:KNOWS{*}]->(:B{!id})          relationship with endpoints
//	(:B{!id})<-[:KNOWS]-(:A{!id})             same, written right to left
//	A{!id} KNOWS{*} B{!id}                    shorthand, left side is start
//
// Several rules for one topic are separated by ';'.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// ParseOptions tunes validation. Ingestion patterns require identity keys;
// routing patterns do not.
type ParseOptions struct {
	RequireKeys bool
}

// NodePattern selects nodes by labels and shapes their properties
type NodePattern struct {
	Labels []string
	Keys   []string
	Filter Filter
}

// Matches reports whether every selector label is present in labels. An
// empty selector matches every node.
func (p NodePattern) Matches(labels []string) bool {
	for _, l := range p.Labels {
		if !slices.Contains(labels, l) {
			return false
		}
	}
	return true
}

// Apply redacts props, always keeping the identity keys
func (p NodePattern) Apply(props map[string]any) map[string]any {
	out := p.Filter.Apply(props)
	for _, k := range p.Keys {
		if v, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Identity copies the key properties out of props. It reports false when a
// key is missing.
func (p NodePattern) Identity(props map[string]any) (map[string]any, bool) {
	ids := make(map[string]any, len(p.Keys))
	for _, k := range p.Keys {
		v, ok := props[k]
		if !ok || v == nil {
			return nil, false
		}
		ids[k] = v
	}
	return ids, true
}

// Properties returns the filtered non-key properties of props
func (p NodePattern) Properties(props map[string]any) map[string]any {
	out := p.Filter.Apply(props)
	for _, k := range p.Keys {
		delete(out, k)
	}
	return out
}

// RelationshipPattern selects relationships by type and, when written in
// arrow or shorthand form, by endpoint labels.
type RelationshipPattern struct {
	Type   string
	Start  NodePattern
	End    NodePattern
	Filter Filter
}

// HasEndpoints reports whether the pattern declares its endpoint nodes
func (p RelationshipPattern) HasEndpoints() bool {
	return len(p.Start.Labels) > 0 || len(p.End.Labels) > 0 || len(p.Start.Keys) > 0 || len(p.End.Keys) > 0
}

// Matches reports whether a relationship of relType between nodes carrying
// startLabels and endLabels is selected.
func (p RelationshipPattern) Matches(relType string, startLabels, endLabels []string) bool {
	if p.Type != "" && p.Type != relType {
		return false
	}
	return p.Start.Matches(startLabels) && p.End.Matches(endLabels)
}

// ParseRules splits a ';'-separated rule list, ignoring empty entries
func ParseRules(s string) ([]string, error) {
	parts, err := splitTopLevel(s, ';')
	if err != nil {
		return nil, invalid(s, err.Error())
	}
	var rules []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rules = append(rules, p)
		}
	}
	if len(rules) == 0 {
		return nil, invalid(s, "no rules")
	}
	return rules, nil
}

// ParseNode parses a node pattern such as Label1:Label2{!id,name}
func ParseNode(s string, opts ParseOptions) (NodePattern, error) {
	body := strings.TrimSpace(s)
	if strings.HasPrefix(body, "(") {
		if !strings.HasSuffix(body, ")") {
			return NodePattern{}, invalid(s, "unbalanced parentheses")
		}
		body = body[1 : len(body)-1]
	}
	p, err := parseNodeBody(body)
	if err != nil {
		return NodePattern{}, invalid(s, err.Error())
	}
	if opts.RequireKeys {
		if len(p.Labels) == 0 {
			return NodePattern{}, invalid(s, "a label is required")
		}
		if len(p.Keys) == 0 {
			return NodePattern{}, invalid(s, "at least one identity key (!name) is required")
		}
	}
	return p, nil
}

var arrow = regexp.MustCompile(`^\(([^()]*)\)\s*(<?)-\s*\[([^\[\]]*)\]\s*-(>?)\s*\(([^()]*)\)$`)

// ParseRelationship parses a relationship pattern in type, arrow or
// shorthand form.
func ParseRelationship(s string, opts ParseOptions) (RelationshipPattern, error) {
	body := strings.TrimSpace(s)
	var (
		p   RelationshipPattern
		err error
	)
	switch {
	case strings.HasPrefix(body, "("):
		p, err = parseArrow(body)
	default:
		var fields []string
		fields, err = splitTopLevel(body, ' ', '\t', '\n')
		if err != nil {
			break
		}
		fields = slices.DeleteFunc(fields, func(f string) bool { return strings.TrimSpace(f) == "" })
		switch len(fields) {
		case 1:
			p.Type, p.Filter, err = parseRelBody(fields[0])
		case 3:
			p, err = parseTriple(fields[0], fields[1], fields[2])
		default:
			err = errors.New("expected TYPE, (:A)-[:TYPE]->(:B) or A TYPE B")
		}
	}
	if err != nil {
		return RelationshipPattern{}, invalid(s, err.Error())
	}

	if p.Type == "" && (opts.RequireKeys || p.HasEndpoints()) {
		return RelationshipPattern{}, invalid(s, "a relationship type is required")
	}
	if opts.RequireKeys {
		if len(p.Start.Keys) == 0 || len(p.End.Keys) == 0 {
			return RelationshipPattern{}, invalid(s, "both endpoints need at least one identity key (!name)")
		}
		for _, k := range p.Start.Keys {
			if slices.Contains(p.End.Keys, k) {
				return RelationshipPattern{}, invalid(s, fmt.Sprintf("key %q is used by both endpoints", k))
			}
		}
	}
	return p, nil
}

func parseArrow(body string) (RelationshipPattern, error) {
	m := arrow.FindStringSubmatch(body)
	if m == nil {
		return RelationshipPattern{}, errors.New("malformed arrow form")
	}
	left, reversed, rel, forward, right := m[1], m[2] == "<", m[3], m[4] == ">", m[5]
	if reversed && forward {
		return RelationshipPattern{}, errors.New("relationship cannot point both ways")
	}
	if !strings.HasPrefix(strings.TrimSpace(rel), ":") {
		return RelationshipPattern{}, errors.New("relationship type must be written as [:TYPE]")
	}
	if reversed {
		left, right = right, left
	}
	return parseTriple(left, strings.TrimPrefix(strings.TrimSpace(rel), ":"), right)
}

func parseTriple(start, rel, end string) (RelationshipPattern, error) {
	var (
		p   RelationshipPattern
		err error
	)
	if p.Start, err = parseNodeBody(start); err != nil {
		return p, fmt.Errorf("start node: %w", err)
	}
	if p.End, err = parseNodeBody(end); err != nil {
		return p, fmt.Errorf("end node: %w", err)
	}
	p.Type, p.Filter, err = parseRelBody(rel)
	return p, err
}

func parseRelBody(s string) (string, Filter, error) {
	names, props, err := splitBody(s)
	if err != nil {
		return "", Filter{}, err
	}
	if len(names) > 1 {
		return "", Filter{}, errors.New("a relationship has exactly one type")
	}
	keys, filter, err := parseProperties(props)
	if err != nil {
		return "", Filter{}, err
	}
	if len(keys) > 0 {
		return "", Filter{}, errors.New("relationship properties cannot be identity keys")
	}
	var relType string
	if len(names) == 1 {
		relType = names[0]
	}
	return relType, filter, nil
}

func parseNodeBody(s string) (NodePattern, error) {
	labels, props, err := splitBody(strings.TrimPrefix(strings.TrimSpace(s), ":"))
	if err != nil {
		return NodePattern{}, err
	}
	keys, filter, err := parseProperties(props)
	if err != nil {
		return NodePattern{}, err
	}
	return NodePattern{Labels: labels, Keys: keys, Filter: filter}, nil
}

// splitBody separates "A:B{...}" into its names and the raw brace content.
// props is nil when there are no braces.
func splitBody(s string) (names []string, props *string, err error) {
	s = strings.TrimSpace(s)
	head := s
	if i := indexOutsideQuotes(s, '{'); i >= 0 {
		if !strings.HasSuffix(s, "}") {
			return nil, nil, errors.New("unbalanced braces")
		}
		inner := s[i+1 : len(s)-1]
		props = &inner
		head = s[:i]
	} else if strings.ContainsAny(s, "}") {
		return nil, nil, errors.New("unbalanced braces")
	}

	head = strings.TrimSpace(head)
	if head == "" || head == "*" {
		return nil, props, nil
	}
	parts, err := splitTopLevel(head, ':')
	if err != nil {
		return nil, nil, err
	}
	for _, part := range parts {
		name, err := unquote(part)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
	}
	return names, props, nil
}

// parseProperties reads the brace content into identity keys and a filter.
// Plain and '-' names cannot be mixed.
func parseProperties(raw *string) ([]string, Filter, error) {
	if raw == nil {
		return nil, Filter{Mode: All}, nil
	}
	if strings.TrimSpace(*raw) == "" {
		return nil, Filter{}, errors.New("empty property list")
	}
	items, err := splitTopLevel(*raw, ',')
	if err != nil {
		return nil, Filter{}, err
	}

	var keys, include, exclude []string
	star := false
	for _, item := range items {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
			return nil, Filter{}, errors.New("empty property name")
		case item == "*":
			star = true
		case strings.HasPrefix(item, "!"):
			name, err := unquote(item[1:])
			if err != nil {
				return nil, Filter{}, err
			}
			keys = appendUnique(keys, name)
		case strings.HasPrefix(item, "-"):
			name, err := unquote(item[1:])
			if err != nil {
				return nil, Filter{}, err
			}
			exclude = appendUnique(exclude, name)
		default:
			name, err := unquote(item)
			if err != nil {
				return nil, Filter{}, err
			}
			include = appendUnique(include, name)
		}
	}

	switch {
	case len(include) > 0 && len(exclude) > 0:
		return nil, Filter{}, errors.New("property list is not homogeneous: mixes included and -excluded names")
	case star && len(include) > 0:
		return nil, Filter{}, errors.New("property list is not homogeneous: mixes * and included names")
	case len(exclude) > 0:
		slices.Sort(exclude)
		return keys, Filter{Mode: Exclude, Names: exclude}, nil
	case len(include) > 0:
		slices.Sort(include)
		return keys, Filter{Mode: Include, Names: include}, nil
	default:
		return keys, Filter{Mode: All}, nil
	}
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// unquote trims a name and strips back-ticks around it
func unquote(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "`") {
		if len(s) < 2 || !strings.HasSuffix(s, "`") {
			return "", fmt.Errorf("unterminated back-tick in %q", s)
		}
		s = s[1 : len(s)-1]
		if s == "" {
			return "", errors.New("empty quoted name")
		}
		return s, nil
	}
	if s == "" {
		return "", errors.New("empty name")
	}
	if strings.ContainsAny(s, "`{}()[]:;,! \t") {
		return "", fmt.Errorf("name %q must be back-tick quoted", s)
	}
	return s, nil
}

func indexOutsideQuotes(s string, c byte) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '`':
			quoted = !quoted
		case s[i] == c && !quoted:
			return i
		}
	}
	return -1
}

// splitTopLevel splits s on any of seps that appear outside back-ticks,
// braces, brackets and parentheses.
func splitTopLevel(s string, seps ...byte) ([]string, error) {
	var (
		parts  []string
		depth  int
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '`':
			quoted = !quoted
		case quoted:
		case c == '{' || c == '[' || c == '(':
			depth++
		case c == '}' || c == ']' || c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unexpected %q", c)
			}
		case depth == 0 && slices.Contains(seps, c):
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if quoted {
		return nil, errors.New("unterminated back-tick")
	}
	if depth != 0 {
		return nil, errors.New("unbalanced brackets")
	}
	return append(parts, s[start:]), nil
}

func invalid(s, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidPattern, s, reason)
}
