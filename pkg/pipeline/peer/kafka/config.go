package kafka

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Config represents Kafka-specific configuration
type Config struct {
	Brokers  []string `json:"brokers"`
	Version  string   `json:"version,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	// GroupID is the consumer group of a sink. Defaults to graphstream.
	GroupID string `json:"groupId,omitempty"`
	// InitialOffset is where a new consumer group starts: oldest (default)
	// or newest
	InitialOffset string `json:"initialOffset,omitempty"`
	SASL          *SASL  `json:"sasl,omitempty"`
	TLS           TLS    `json:"tls"`
	Topics        Topics `json:"topics"`
}

// Topics configures topic creation
type Topics struct {
	// AutoCreate creates missing topics on first publish
	AutoCreate  bool  `json:"autoCreate"`
	Partitions  int32 `json:"partitions,omitempty"`
	Replicas    int16 `json:"replicas,omitempty"`
	RetentionMS int64 `json:"retentionMs,omitempty"`
	// CleanupPolicies sets cleanup.policy of created topics. Topics not
	// listed are created with the delete policy.
	CleanupPolicies map[string]string `json:"cleanupPolicies,omitempty"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Algorithm is sha256, sha512 or plain
	Algorithm string `json:"algorithm"`
	Enable    bool   `json:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `json:"certFile,omitempty"`
	KeyFile    string `json:"keyFile,omitempty"`
	CAFile     string `json:"caFile,omitempty"`
	Enable     bool   `json:"enable"`
	SkipVerify bool   `json:"skipVerify"`
}

func (c *Config) setDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	c.ClientID = cmp.Or(c.ClientID, "graphstream-"+uuid.NewString()[:8])
	c.GroupID = cmp.Or(c.GroupID, "graphstream")
	c.InitialOffset = cmp.Or(c.InitialOffset, "oldest")
	c.Topics.Partitions = cmp.Or(c.Topics.Partitions, 1)
	c.Topics.Replicas = cmp.Or(c.Topics.Replicas, 1)
}

// ToSaramaConfig converts the Config to a sarama.Config
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("error parsing Kafka version: %w", err)
		}
		conf.Version = version
	}

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain", "":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		tlsConf, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	switch c.InitialOffset {
	case "oldest", "":
		conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest":
		conf.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("invalid initial offset %q (want oldest or newest)", c.InitialOffset)
	}
	conf.Consumer.Offsets.AutoCommit.Enable = true
	conf.Consumer.Return.Errors = true

	// retries are owned by the publisher
	conf.Producer.Retry.Max = 1
	conf.Producer.Retry.Backoff = 250 * time.Millisecond
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Producer.Partitioner = sarama.NewHashPartitioner

	conf.ClientID = c.ClientID
	conf.Metadata.Full = true

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
		}
		t.RootCAs = pool
	}

	return t, nil
}
