package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// IdentityMaxLen bounds a fully composed topic name.
const IdentityMaxLen = 256

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Exchange ExchangeConfig `koanf:"exchange"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Subpfx   SubpfxConfig   `koanf:"subpfx"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// ExchangeConfig holds the view-exchange options shared by producers and
// consumers.
type ExchangeConfig struct {
	// Identity names this producer, or the producer a direct consumer
	// follows. Not required in global-consumer mode.
	Identity  string `koanf:"identity"`
	Namespace string `koanf:"namespace"`
	// Channel optionally scopes the globalmeta topic.
	Channel string `koanf:"channel"`
	// SyncInterval is the seconds between sync frames; emissions aligned
	// to a multiple of it are syncs, the rest are diffs.
	SyncInterval int `koanf:"sync_interval"`
	// FilterFFV4Cnt / FilterFFV6Cnt are the full-feed thresholds: a peer
	// is sent only when one of its active pfx counts reaches these.
	// Zero disables the filter.
	FilterFFV4Cnt int `koanf:"filter_ff_v4cnt"`
	FilterFFV6Cnt int `koanf:"filter_ff_v6cnt"`
	// HeartbeatIntervalSeconds is the members-topic heartbeat period.
	HeartbeatIntervalSeconds int `koanf:"heartbeat_interval_seconds"`
	// PfxChunkSize caps prefixes per pfxs-topic message.
	PfxChunkSize int `koanf:"pfx_chunk_size"`
}

type ArchiveConfig struct {
	// FilePattern names output files; %s expands to the view's unix
	// seconds, remaining % tokens are strftime-equivalent.
	FilePattern    string `koanf:"file_pattern"`
	CompressLevel  int    `koanf:"compress_level"`
	RotateInterval int    `koanf:"rotate_interval"`
	RotateAlign    bool   `koanf:"rotate_align"`
	LatestFile     string `koanf:"latest_file"`
}

type SubpfxConfig struct {
	OutputDir     string `koanf:"output_dir"`
	CompressLevel int    `koanf:"compress_level"`
}

// PostgresConfig configures the optional archive catalog. An empty DSN
// disables it.
type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: VIEW_EXCHANGE_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("VIEW_EXCHANGE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "VIEW_EXCHANGE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "view-exchange-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 60,
		},
		Kafka: KafkaConfig{
			ClientID:      "view-exchange",
			FetchMaxBytes: 104857600,
		},
		Exchange: ExchangeConfig{
			Namespace:                "bgpview",
			SyncInterval:             3600,
			FilterFFV4Cnt:            400000,
			FilterFFV6Cnt:            10000,
			HeartbeatIntervalSeconds: 60,
			PfxChunkSize:             50000,
		},
		Archive: ArchiveConfig{
			FilePattern:   "bgpview.%s.bin.gz",
			CompressLevel: 6,
			RotateAlign:   true,
		},
		Subpfx: SubpfxConfig{
			OutputDir:     ".",
			CompressLevel: 6,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Exchange.Namespace == "" {
		return fmt.Errorf("config: exchange.namespace is required")
	}
	if c.Exchange.SyncInterval <= 0 {
		return fmt.Errorf("config: exchange.sync_interval must be > 0 (got %d)", c.Exchange.SyncInterval)
	}
	if c.Exchange.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config: exchange.heartbeat_interval_seconds must be > 0 (got %d)", c.Exchange.HeartbeatIntervalSeconds)
	}
	if c.Exchange.PfxChunkSize <= 0 {
		return fmt.Errorf("config: exchange.pfx_chunk_size must be > 0 (got %d)", c.Exchange.PfxChunkSize)
	}
	if c.Exchange.FilterFFV4Cnt < 0 || c.Exchange.FilterFFV6Cnt < 0 {
		return fmt.Errorf("config: exchange.filter_ff_v4cnt/v6cnt must be >= 0")
	}
	if len(c.Exchange.Namespace)+len(c.Exchange.Identity)+len(c.Exchange.Channel)+len(".globalmeta.") > IdentityMaxLen {
		return fmt.Errorf("config: composed topic names exceed %d bytes", IdentityMaxLen)
	}
	if c.Archive.RotateInterval < 0 {
		return fmt.Errorf("config: archive.rotate_interval must be >= 0 (got %d)", c.Archive.RotateInterval)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
