// Package pglogrepl turns the write-ahead log of an Apache AGE graph into
// committed graph transactions.
//
// It streams pgoutput for the label tables in the graph's schema, buffers
// row changes between BEGIN and COMMIT and emits one txdiff.TxData per
// commit. Vertex and edge deletes carry their old row only under REPLICA
// IDENTITY FULL, which EnsureReplicaIdentity sets on existing label tables.
package pglogrepl

import (
	"cmp"
	"fmt"
	"regexp"
	"time"
)

const (
	defaultStandbyUpdateInterval = 10 * time.Second
	defaultBufferSize            = 100
	defaultPublication           = "graphstream_pub"
	defaultSlot                  = "graphstream_slot"
	defaultPlugin                = "pgoutput"
)

// Config holds replication configuration.
type Config struct {
	// Graph is the AGE graph; its schema holds one table per label
	Graph                 string        `json:"graph"`
	Publication           string        `json:"publication"`
	Slot                  string        `json:"slot"`
	Plugin                string        `json:"plugin"`
	StandbyUpdateInterval time.Duration `json:"standbyUpdateInterval"`
	// BufferSize bounds the committed transactions waiting for the consumer
	BufferSize int `json:"bufferSize"`
}

// ReplicaIdentity is pg_class.relreplident of a label table. Label tables
// have no primary key, so only Full carries the old row of a delete.
type ReplicaIdentity string

const (
	ReplicaIdentityDefault ReplicaIdentity = "d"
	ReplicaIdentityNothing ReplicaIdentity = "n"
	ReplicaIdentityFull    ReplicaIdentity = "f"
	ReplicaIdentityIndex   ReplicaIdentity = "i"
)

// DefaultConfig returns the defaults; Graph has none
func DefaultConfig() *Config {
	return &Config{
		Publication:           defaultPublication,
		Slot:                  defaultSlot,
		Plugin:                defaultPlugin,
		StandbyUpdateInterval: defaultStandbyUpdateInterval,
		BufferSize:            defaultBufferSize,
	}
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	for name, v := range map[string]string{"graph": cfg.Graph, "publication": cfg.Publication, "slot": cfg.Slot} {
		if !identifier.MatchString(v) {
			return fmt.Errorf("invalid %s name %q", name, v)
		}
	}
	if cfg.StandbyUpdateInterval < time.Second {
		return fmt.Errorf("standby update interval must be at least 1 second")
	}
	return nil
}

func mergeWithDefaults(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}

	cfg.Publication = cmp.Or(cfg.Publication, def.Publication)
	cfg.Slot = cmp.Or(cfg.Slot, def.Slot)
	cfg.Plugin = cmp.Or(cfg.Plugin, def.Plugin)
	cfg.StandbyUpdateInterval = cmp.Or(cfg.StandbyUpdateInterval, def.StandbyUpdateInterval)
	cfg.BufferSize = cmp.Or(cfg.BufferSize, def.BufferSize)

	return cfg
}
