package pipeline

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"plugin"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Manager connects the configured peers and owns their connectors.
type Manager struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	logger  *zap.Logger
	backoff func() backoff.BackOff
}

type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithConnectBackoff overrides the retry policy of peer connections
func WithConnectBackoff(f func() backoff.BackOff) ManagerOption {
	return func(m *Manager) { m.backoff = f }
}

// NewManager returns a new Manager instance.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		peers:  map[string]*Peer{},
		logger: zap.NewNop(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterConnectorPlugin loads a connector plugin from the specified path.
// The plugin exports NewConnector as a func() pipeline.Connector.
func (m *Manager) RegisterConnectorPlugin(path string, name string) error {
	plug, err := plugin.Open(path)
	if err != nil {
		return err
	}

	symbol, err := plug.Lookup("NewConnector")
	if err != nil {
		return err
	}

	factory, ok := symbol.(func() Connector)
	if !ok {
		return fmt.Errorf("invalid connector plugin %s: NewConnector is %T", path, symbol)
	}

	RegisterConnector(name, factory)
	return nil
}

// AddPeer registers a peer with a fresh connector instance
func (m *Manager) AddPeer(p Peer) (*Peer, error) {
	conn, err := NewConnector(p.ConnectorName)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", p.Name, err)
	}
	if _, err := p.MessageCodec(); err != nil {
		return nil, fmt.Errorf("peer %s: %w", p.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.peers[p.Name]; exists {
		return nil, fmt.Errorf("peer %s already exists", p.Name)
	}
	peer := p
	peer.connector = conn
	m.peers[p.Name] = &peer
	return &peer, nil
}

// Peers returns the registered peers sorted by name
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(a, b *Peer) int { return cmp.Compare(a.Name, b.Name) })
	return peers
}

func (m *Manager) GetPeer(name string) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if peer, exists := m.peers[name]; exists {
		return peer, nil
	}
	return nil, fmt.Errorf("peer %s not found", name)
}

// Init adds and connects every peer, retrying each connection with
// exponential backoff. Peers connected before a failure stay connected;
// Close disconnects them.
func (m *Manager) Init(ctx context.Context, peers []Peer) error {
	m.logger.Info("initializing pipeline manager", zap.Int("peerCount", len(peers)))
	for _, p := range peers {
		m.logger.Debug("adding peer",
			zap.String("name", p.Name),
			zap.String("connector", p.ConnectorName))

		peer, err := m.AddPeer(p)
		if err != nil {
			return err
		}

		configJSON, err := json.Marshal(peer.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config for peer %s: %w", peer.Name, err)
		}

		connect := func() error {
			return peer.connector.Connect(json.RawMessage(configJSON), peer.Args...)
		}
		notify := func(err error, delay time.Duration) {
			m.logger.Warn("retrying connection",
				zap.String("name", peer.Name),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		if err := backoff.RetryNotify(connect, backoff.WithContext(m.backoff(), ctx), notify); err != nil {
			m.logger.Error("failed to initialize connector",
				zap.String("name", peer.Name),
				zap.Error(err))
			return fmt.Errorf("failed to initialize connector %s: %w", peer.Name, err)
		}

		m.logger.Info("connected peer",
			zap.String("name", peer.Name),
			zap.String("connector", p.ConnectorName))
	}

	m.logger.Info("initialized all peers", zap.Int("totalPeers", len(peers)))
	return nil
}

// Close disconnects every peer and reports all failures together
func (m *Manager) Close() error {
	var result *multierror.Error
	for _, p := range m.Peers() {
		if err := p.connector.Disconnect(); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect %s: %w", p.Name, err))
		}
	}
	return result.ErrorOrNil()
}
