package mqtt

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// TLSOptions configures the broker connection. PEM material is read from
// files or given inline; files win when both are set.
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty"`
	CAFile             string `json:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty"`
	CACert             string `json:"caCert,omitempty"`
	ClientCert         string `json:"clientCert,omitempty"`
	ClientKey          string `json:"clientKey,omitempty"`
}

// ClientOptions are the JSON-configurable subset of paho's options. Reconnect
// and manual acks are always on.
type ClientOptions struct {
	ClientID string      `json:"clientID"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	TLS      *TLSOptions `json:"tls,omitempty"`
	// KeepAlive in seconds, paho's default (30) when zero
	KeepAlive      int64    `json:"keepAlive,omitempty"`
	ConnectTimeout duration `json:"connectTimeout,omitempty"`
	WriteTimeout   duration `json:"writeTimeout,omitempty"`
	// CleanSession defaults to false so subscriptions survive sink restarts
	CleanSession bool `json:"cleanSession"`
	// Order keeps per-topic delivery order; graphstream sinks need it
	Order *bool `json:"order,omitempty"`
}

// duration accepts "5s" style strings
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) < 2 || b[0] != '"' {
		return fmt.Errorf("duration must be a string, got %s", b)
	}
	v, err := time.ParseDuration(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func pemBytes(file, inline string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	return []byte(inline), nil
}

func (o *TLSOptions) config() (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: o.InsecureSkipVerify,
		ServerName:         o.ServerName,
	}

	if o.CAFile != "" || o.CACert != "" {
		ca, err := pemBytes(o.CAFile, o.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("no certificates in CA PEM")
		}
		config.RootCAs = pool
	}

	hasFiles := o.CertFile != "" && o.KeyFile != ""
	if !hasFiles && (o.ClientCert == "" || o.ClientKey == "") {
		return config, nil
	}
	cert, err := pemBytes(o.CertFile, o.ClientCert)
	if err != nil {
		return nil, fmt.Errorf("read client certificate: %w", err)
	}
	key, err := pemBytes(o.KeyFile, o.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	config.Certificates = []tls.Certificate{pair}
	return config, nil
}

// pahoOptions builds the client options for servers. Unset credentials and
// servers fall back to GRAPHSTREAM_MQTT_* variables.
func pahoOptions(servers []string, o ClientOptions) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	if len(servers) == 0 {
		servers = []string{cmp.Or(os.Getenv("GRAPHSTREAM_MQTT_BROKER"), "tcp://127.0.0.1:1883")}
	}
	for _, s := range servers {
		opts.AddBroker(s)
	}
	if len(opts.Servers) != len(servers) {
		return nil, fmt.Errorf("invalid MQTT server in %v", servers)
	}

	opts.SetClientID(cmp.Or(o.ClientID, "graphstream-"+uuid.NewString()[:8]))
	opts.SetUsername(cmp.Or(o.Username, os.Getenv("GRAPHSTREAM_MQTT_USERNAME")))
	opts.SetPassword(cmp.Or(o.Password, os.Getenv("GRAPHSTREAM_MQTT_PASSWORD")))

	if o.TLS != nil {
		tlsConfig, err := o.TLS.config()
		if err != nil {
			return nil, fmt.Errorf("MQTT TLS: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	if o.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(o.KeepAlive) * time.Second)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(o.ConnectTimeout))
	}
	if o.WriteTimeout > 0 {
		opts.SetWriteTimeout(time.Duration(o.WriteTimeout))
	}

	opts.SetCleanSession(o.CleanSession)
	opts.SetOrderMatters(o.Order == nil || *o.Order)
	// messages are acked once their batch is executed
	opts.SetAutoAckDisabled(true)
	opts.SetAutoReconnect(true)
	opts.SetResumeSubs(true)
	return opts, nil
}
