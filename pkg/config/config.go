// Package config loads the graphstream configuration from a YAML file and
// GRAPHSTREAM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/graphstream/pkg/ingest"
	"github.com/edgeflare/graphstream/pkg/pipeline"
	"github.com/edgeflare/graphstream/pkg/pipeline/route"
	"github.com/edgeflare/graphstream/pkg/pglogrepl"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "GRAPHSTREAM"

// keyDelimiter replaces viper's '.', which topic globs like `people.*` use
const keyDelimiter = "::"

// Config holds application-wide configuration. Viper lowercases map keys,
// so topic names in the file are matched lowercased.
type Config struct {
	Peers   []pipeline.Peer `mapstructure:"peers"`
	Plugins []PluginConfig  `mapstructure:"plugins"`
	Source  SourceConfig    `mapstructure:"source"`
	Sink    SinkConfig      `mapstructure:"sink"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
}

// PluginConfig registers a connector from a Go plugin before peers connect
type PluginConfig struct {
	Path      string `mapstructure:"path"`
	Connector string `mapstructure:"connector"`
}

type PGConfig struct {
	ConnString string `mapstructure:"connString"`
}

// SourceConfig configures the graph -> broker direction
type SourceConfig struct {
	PG    PGConfig `mapstructure:"pg"`
	Graph string   `mapstructure:"graph"`
	// Hostname is reported as the event source; defaults to os.Hostname
	Hostname    string                   `mapstructure:"hostname"`
	Replication ReplicationConfig        `mapstructure:"replication"`
	Constraints ConstraintsConfig        `mapstructure:"constraints"`
	Router      route.Config             `mapstructure:"router"`
	Publisher   pipeline.PublisherConfig `mapstructure:"publisher"`
}

type ReplicationConfig struct {
	Publication           string        `mapstructure:"publication"`
	Slot                  string        `mapstructure:"slot"`
	StandbyUpdateInterval time.Duration `mapstructure:"standbyUpdateInterval"`
	BufferSize            int           `mapstructure:"bufferSize"`
}

type ConstraintsConfig struct {
	Refresh time.Duration `mapstructure:"refresh"`
	// Listen reloads on catalog change notifications, on top of Refresh
	Listen bool `mapstructure:"listen"`
}

// SinkConfig configures the broker -> graph direction
type SinkConfig struct {
	PG                  PGConfig `mapstructure:"pg"`
	Graph               string   `mapstructure:"graph"`
	pipeline.SinkConfig `mapstructure:",squash"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// PglogreplConfig returns the replication settings of the source graph
func (c SourceConfig) PglogreplConfig() *pglogrepl.Config {
	return &pglogrepl.Config{
		Graph:                 c.Graph,
		Publication:           c.Replication.Publication,
		Slot:                  c.Replication.Slot,
		StandbyUpdateInterval: c.Replication.StandbyUpdateInterval,
		BufferSize:            c.Replication.BufferSize,
	}
}

func setDefaults(v *viper.Viper) {
	for key, value := range map[string]any{
		"source::pg::connString":       "",
		"source::graph":                "",
		"source::constraints::refresh": 10 * time.Second,
		"source::constraints::listen":  true,
		"source::publisher::mode":      pipeline.ModeAsync,
		"sink::pg::connString":         "",
		"sink::graph":                  "",
		"sink::batchSize":              1000,
		"sink::batchTimeout":           time.Second,
		"metrics::addr":                ":9100",
		"metrics::path":                "/metrics",
	} {
		v.SetDefault(key, value)
	}
}

// Load reads config from file or environment. Without an explicit file it
// looks for graphstream.yaml in ~/.config and the working directory.
func Load(cfgFile string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("graphstream")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		zap.L().Info("using config file", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) peer(name string) *pipeline.Peer {
	for i := range c.Peers {
		if c.Peers[i].Name == name {
			return &c.Peers[i]
		}
	}
	return nil
}

// ValidateSource reports every problem of the source direction at once
func (c *Config) ValidateSource() error {
	var errs *multierror.Error
	if c.Source.PG.ConnString == "" {
		errs = multierror.Append(errs, errors.New("source.pg.connString is required"))
	}
	if c.Source.Graph == "" {
		errs = multierror.Append(errs, errors.New("source.graph is required"))
	}
	errs = c.checkPeer(errs, "source.publisher.peer", c.Source.Publisher.Peer)
	if len(c.Source.Router.Nodes) == 0 && len(c.Source.Router.Relationships) == 0 {
		errs = multierror.Append(errs, errors.New("source.router routes no topic"))
	}
	if r, err := route.NewRouter(c.Source.Router, nil); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("source.router: %w", err))
	} else if c.Source.Graph != "" && !r.Accepts(c.Source.Graph) {
		errs = multierror.Append(errs, fmt.Errorf("source.router.database %q does not match source.graph %q",
			c.Source.Router.Database, c.Source.Graph))
	}
	switch c.Source.Publisher.Mode {
	case "", pipeline.ModeAsync, pipeline.ModeSync:
	default:
		errs = multierror.Append(errs, fmt.Errorf("source.publisher.mode %q is neither async nor sync", c.Source.Publisher.Mode))
	}
	return errs.ErrorOrNil()
}

// ValidateSink reports every problem of the sink direction at once
func (c *Config) ValidateSink() error {
	var errs *multierror.Error
	if c.Sink.PG.ConnString == "" {
		errs = multierror.Append(errs, errors.New("sink.pg.connString is required"))
	}
	if c.Sink.Graph == "" {
		errs = multierror.Append(errs, errors.New("sink.graph is required"))
	}
	errs = c.checkPeer(errs, "sink.peer", c.Sink.Peer)
	if len(c.Sink.Topics) == 0 {
		errs = multierror.Append(errs, errors.New("sink.topics maps no topic to a strategy"))
	}
	opt := ingest.WithSourceID(c.Sink.SourceID.Label, c.Sink.SourceID.IDName)
	if _, err := pipeline.NewTopicStrategies(c.Sink.Topics, opt); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("sink.topics: %w", err))
	}
	return errs.ErrorOrNil()
}

func (c *Config) checkPeer(errs *multierror.Error, field, name string) *multierror.Error {
	if name == "" {
		return multierror.Append(errs, fmt.Errorf("%s is required", field))
	}
	if c.peer(name) == nil {
		return multierror.Append(errs, fmt.Errorf("%s: no peer named %q", field, name))
	}
	return errs
}
