// Package route decides which topics receive a change event, redacts its
// properties per topic and derives the broker message key.
package route

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/edgeflare/graphstream/pkg/pipeline/pattern"
	"github.com/hashicorp/go-multierror"
)

// Config maps topic names to pattern rule lists
type Config struct {
	Nodes         map[string]string          `mapstructure:"nodes" json:"nodes,omitempty"`
	Relationships map[string]string          `mapstructure:"relationships" json:"relationships,omitempty"`
	Database      string                     `mapstructure:"database" json:"database,omitempty"`
	KeyStrategies map[string]cdc.KeyStrategy `mapstructure:"keyStrategies" json:"keyStrategies,omitempty"`
}

type nodeRule struct {
	topic string
	rules []pattern.NodePattern
}

type relRule struct {
	topic string
	rules []pattern.RelationshipPattern
}

// Router is immutable once built and safe for concurrent use
type Router struct {
	database      string
	nodes         []nodeRule
	rels          []relRule
	keyStrategies map[string]cdc.KeyStrategy
	policies      PolicyResolver
}

// NewRouter parses every rule of cfg. All parse errors are reported
// together, each naming its topic.
func NewRouter(cfg Config, policies PolicyResolver) (*Router, error) {
	r := &Router{
		database:      cfg.Database,
		keyStrategies: make(map[string]cdc.KeyStrategy, len(cfg.KeyStrategies)),
		policies:      policies,
	}
	if r.policies == nil {
		r.policies = StaticPolicies(nil)
	}

	var errs *multierror.Error
	for _, topic := range slices.Sorted(maps.Keys(cfg.Nodes)) {
		rules, err := pattern.ParseRules(cfg.Nodes[topic])
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("node topic %q: %w", topic, err))
			continue
		}
		nr := nodeRule{topic: topic}
		for _, rule := range rules {
			p, err := pattern.ParseNode(rule, pattern.ParseOptions{})
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("node topic %q: %w", topic, err))
				continue
			}
			nr.rules = append(nr.rules, p)
		}
		r.nodes = append(r.nodes, nr)
	}

	for _, topic := range slices.Sorted(maps.Keys(cfg.Relationships)) {
		rules, err := pattern.ParseRules(cfg.Relationships[topic])
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("relationship topic %q: %w", topic, err))
			continue
		}
		rr := relRule{topic: topic}
		for _, rule := range rules {
			p, err := pattern.ParseRelationship(rule, pattern.ParseOptions{})
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("relationship topic %q: %w", topic, err))
				continue
			}
			rr.rules = append(rr.rules, p)
		}
		r.rels = append(r.rels, rr)
	}

	for topic, s := range cfg.KeyStrategies {
		ks, err := cdc.ParseKeyStrategy(string(s))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("topic %q: %w", topic, err))
			continue
		}
		r.keyStrategies[topic] = ks
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

// Accepts reports whether events of database are routed. An unscoped
// router accepts every database.
func (r *Router) Accepts(database string) bool {
	return r.database == "" || strings.EqualFold(r.database, database)
}

// Topics returns every configured topic
func (r *Router) Topics() []string {
	var topics []string
	for _, n := range r.nodes {
		topics = append(topics, n.topic)
	}
	for _, rel := range r.rels {
		if !slices.Contains(topics, rel.topic) {
			topics = append(topics, rel.topic)
		}
	}
	slices.Sort(topics)
	return topics
}

// Route returns the redacted copy of ev for every topic whose rules select
// it. ev itself is never modified.
func (r *Router) Route(ev cdc.Event) map[string]cdc.Event {
	out := make(map[string]cdc.Event)
	switch p := ev.Payload.(type) {
	case *cdc.NodeChange:
		current := p.Current()
		for _, nr := range r.nodes {
			for _, rule := range nr.rules {
				if !rule.Matches(current.Labels) {
					continue
				}
				out[nr.topic] = redactNode(ev, p, rule)
				break
			}
		}
	case *cdc.RelationshipChange:
		for _, rr := range r.rels {
			for _, rule := range rr.rules {
				if !rule.Matches(p.Label, p.Start.Labels, p.End.Labels) {
					continue
				}
				out[rr.topic] = redactRelationship(ev, p, rule)
				break
			}
		}
	}
	for topic := range out {
		metrics.RoutedMessages.WithLabelValues(topic).Inc()
	}
	return out
}

func redactNode(ev cdc.Event, p *cdc.NodeChange, rule pattern.NodePattern) cdc.Event {
	n := &cdc.NodeChange{ID: p.ID}
	if p.Before != nil {
		n.Before = p.Before.WithProperties(rule.Apply(p.Before.Properties))
	}
	if p.After != nil {
		n.After = p.After.WithProperties(rule.Apply(p.After.Properties))
	}
	out := ev.WithPayload(n)
	out.Schema = redactSchema(ev.Schema, func(k string) bool {
		return rule.Filter.Allows(k) || slices.Contains(rule.Keys, k)
	})
	return out
}

func redactRelationship(ev cdc.Event, p *cdc.RelationshipChange, rule pattern.RelationshipPattern) cdc.Event {
	rel := &cdc.RelationshipChange{ID: p.ID, Label: p.Label, Start: p.Start, End: p.End}
	if p.Before != nil {
		rel.Before = p.Before.WithProperties(rule.Filter.Apply(p.Before.Properties))
	}
	if p.After != nil {
		rel.After = p.After.WithProperties(rule.Filter.Apply(p.After.Properties))
	}
	out := ev.WithPayload(rel)
	out.Schema = redactSchema(ev.Schema, rule.Filter.Allows)
	return out
}

func redactSchema(s cdc.Schema, keep func(string) bool) cdc.Schema {
	props := make(map[string]string, len(s.Properties))
	for k, v := range s.Properties {
		if keep(k) {
			props[k] = v
		}
	}
	return cdc.Schema{Properties: props, Constraints: slices.Clone(s.Constraints)}
}

// KeyStrategyFor returns the endpoint key strategy for relType: all when any
// topic routing relType asks for it, default otherwise.
func (r *Router) KeyStrategyFor(relType string) cdc.KeyStrategy {
	for _, rr := range r.rels {
		if r.keyStrategies[rr.topic] != cdc.KeyStrategyAll {
			continue
		}
		for _, rule := range rr.rules {
			if rule.Type == "" || rule.Type == relType {
				return cdc.KeyStrategyAll
			}
		}
	}
	return cdc.KeyStrategyDefault
}

// keyStrategy returns the topic's strategy for node identity descriptors
func (r *Router) keyStrategy(topic string) cdc.KeyStrategy {
	if ks, ok := r.keyStrategies[topic]; ok {
		return ks
	}
	return cdc.KeyStrategyDefault
}
