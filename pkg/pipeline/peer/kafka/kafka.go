package kafka

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/edgeflare/graphstream/pkg/pipeline/route"
	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// Admin handles topic management and cleanup policy lookups
type Admin struct {
	admin  sarama.ClusterAdmin
	topics Topics
	logger *zap.Logger

	mu       sync.Mutex
	ensured  map[string]bool
	policies map[string]route.CleanupPolicy
}

// NewAdmin wraps a cluster admin
func NewAdmin(admin sarama.ClusterAdmin, topics Topics, logger *zap.Logger) *Admin {
	return &Admin{
		admin:    admin,
		topics:   topics,
		logger:   logger,
		ensured:  make(map[string]bool),
		policies: make(map[string]route.CleanupPolicy),
	}
}

// EnsureTopic creates topic with its configured cleanup policy unless it
// already exists
func (a *Admin) EnsureTopic(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ensured[topic] {
		return nil
	}

	policy := a.topics.CleanupPolicies[topic]
	if policy == "" {
		policy = string(route.CleanupDelete)
	}
	detail := &sarama.TopicDetail{
		NumPartitions:     a.topics.Partitions,
		ReplicationFactor: a.topics.Replicas,
		ConfigEntries: map[string]*string{
			"cleanup.policy": &policy,
		},
	}
	if a.topics.RetentionMS > 0 {
		retention := strconv.FormatInt(a.topics.RetentionMS, 10)
		detail.ConfigEntries["retention.ms"] = &retention
	}

	err := a.admin.CreateTopic(topic, detail, false)
	var topicErr *sarama.TopicError
	switch {
	case err == nil:
		a.logger.Info("topic created", zap.String("topic", topic), zap.String("cleanupPolicy", policy))
		a.policies[topic] = route.CleanupPolicy(policy)
	case errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists:
	default:
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	a.ensured[topic] = true
	return nil
}

// CleanupPolicy reads cleanup.policy of topic from the broker. Lookups are
// cached; a topic that cannot be described uses the configured policy.
func (a *Admin) CleanupPolicy(topic string) route.CleanupPolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.policies[topic]; ok {
		return p
	}

	policy := route.CleanupPolicy(a.topics.CleanupPolicies[topic])
	entries, err := a.admin.DescribeConfig(sarama.ConfigResource{
		Type:        sarama.TopicResource,
		Name:        topic,
		ConfigNames: []string{"cleanup.policy"},
	})
	if err != nil {
		a.logger.Warn("describing topic config", zap.String("topic", topic), zap.Error(err))
	}
	for _, e := range entries {
		if e.Name == "cleanup.policy" {
			policy = route.CleanupPolicy(e.Value)
		}
	}
	if policy == "" {
		policy = route.CleanupDelete
	}
	if err == nil {
		a.policies[topic] = policy
	}
	return policy
}

// ListTopics lists all topics
func (a *Admin) ListTopics() ([]string, error) {
	topics, err := a.admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (a *Admin) Close() error {
	return a.admin.Close()
}

// ExpandTopics resolves glob patterns against the available topics, using
// '.' as separator. Plain names are kept as given. The result is sorted and
// free of duplicates.
func ExpandTopics(patterns, available []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if !isGlob(p) {
			out = append(out, p)
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid topic glob %q: %w", p, err)
		}
		for _, t := range available {
			if g.Match(t) {
				out = append(out, t)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func isGlob(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
