// Package config loads client and broker settings from YAML and the
// environment, and builds the transports and connection factory they describe.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/infigaming-com/go-mqclient/util"
)

const (
	ModeDirect = "direct"
	ModeGRPC   = "grpc"
	ModePubSub = "pubsub"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Client    ClientConfig    `yaml:"client"`
	Redis     RedisConfig     `yaml:"redis"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
}

// TransportConfig selects how connections reach a broker.
type TransportConfig struct {
	Mode string `yaml:"mode" envconfig:"MQ_TRANSPORT"`

	// grpc
	Address string `yaml:"address" envconfig:"MQ_ADDRESS"`
	Token   string `yaml:"token" envconfig:"MQ_TOKEN"`

	// pubsub
	Project         string `yaml:"project" envconfig:"MQ_PUBSUB_PROJECT"`
	Endpoint        string `yaml:"endpoint" envconfig:"MQ_PUBSUB_ENDPOINT"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"MQ_PUBSUB_CREDENTIALS"`

	// direct and pubsub
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"MQ_POLL_INTERVAL"`
	MaxRedeliveries int           `yaml:"max_redeliveries" envconfig:"MQ_MAX_REDELIVERIES"`
	DeadLetterQueue string        `yaml:"dead_letter_queue" envconfig:"MQ_DEAD_LETTER_QUEUE"`
}

// ClientConfig holds the connection factory defaults.
type ClientConfig struct {
	ClientID              string        `yaml:"client_id" envconfig:"MQ_CLIENT_ID"`
	Username              string        `yaml:"username" envconfig:"MQ_USERNAME"`
	Password              string        `yaml:"password" envconfig:"MQ_PASSWORD"`
	Container             string        `yaml:"container" envconfig:"MQ_CONTAINER"`
	Override              string        `yaml:"override" envconfig:"MQ_OVERRIDE"`
	Managed               bool          `yaml:"managed" envconfig:"MQ_MANAGED"`
	Pooled                bool          `yaml:"pooled" envconfig:"MQ_POOLED"`
	CompressAll           bool          `yaml:"compress_all" envconfig:"MQ_COMPRESS_ALL"`
	ThreadAffinityCheck   bool          `yaml:"thread_affinity_check" envconfig:"MQ_THREAD_AFFINITY_CHECK"`
	RequeueOnBodyMismatch bool          `yaml:"requeue_on_body_mismatch" envconfig:"MQ_REQUEUE_ON_BODY_MISMATCH"`
	FetchTimeout          time.Duration `yaml:"fetch_timeout" envconfig:"MQ_FETCH_TIMEOUT"`
}

// RedisConfig enables the shared client id registry when Address is set.
type RedisConfig struct {
	Address  string `yaml:"address" envconfig:"REDIS_ADDRESS"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
}

type LoggerConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"LOG_DEVELOPMENT"`
}

type MetricsConfig struct {
	Enabled     bool          `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	Endpoint    string        `yaml:"endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Protocol    string        `yaml:"protocol" envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	Interval    time.Duration `yaml:"interval" envconfig:"METRICS_INTERVAL"`
	ServiceName string        `yaml:"service_name" envconfig:"OTEL_SERVICE_NAME"`
	Environment string        `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// ServerConfig is read by mqserver only.
type ServerConfig struct {
	GRPCPort   int    `yaml:"grpc_port" envconfig:"SERVER_GRPC_PORT"`
	HealthPort int    `yaml:"health_port" envconfig:"SERVER_HEALTH_PORT"`
	JWTSecret  string `yaml:"jwt_secret" envconfig:"SERVER_JWT_SECRET"`
}

// Default returns the configuration used for anything the file and the
// environment leave unset.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Mode:            ModeDirect,
			PollInterval:    50 * time.Millisecond,
			MaxRedeliveries: 10,
			DeadLetterQueue: "mq.dlq",
		},
		Client: ClientConfig{
			Container:             "client",
			Override:              "container-rules",
			RequeueOnBodyMismatch: true,
			FetchTimeout:          30 * time.Second,
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Endpoint:    "localhost:4318",
			Protocol:    "http",
			Interval:    10 * time.Second,
			ServiceName: "mqserver",
		},
		Server: ServerConfig{
			GRPCPort:   7676,
			HealthPort: 8080,
		},
	}
}

// Load reads path (when not empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	return decoder.Decode(cfg)
}

func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case ModeDirect:
	case ModeGRPC:
		if c.Transport.Address == "" {
			return fmt.Errorf("transport address is required in %s mode", ModeGRPC)
		}
	case ModePubSub:
		if c.Transport.Project == "" {
			return fmt.Errorf("pubsub project is required in %s mode", ModePubSub)
		}
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}

	if c.Transport.MaxRedeliveries < 0 {
		return fmt.Errorf("invalid max redeliveries: %d", c.Transport.MaxRedeliveries)
	}
	if c.Transport.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %s", c.Transport.PollInterval)
	}

	if _, err := containerMode(c.Client.Container); err != nil {
		return err
	}
	if _, err := overrideMode(c.Client.Override); err != nil {
		return err
	}
	if c.Client.FetchTimeout < 0 {
		return fmt.Errorf("invalid fetch timeout: %s", c.Client.FetchTimeout)
	}

	if _, err := util.ParseLevel(c.Logger.Level); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics endpoint is required when metrics are enabled")
		}
		switch strings.ToLower(c.Metrics.Protocol) {
		case "http", "grpc":
		default:
			return fmt.Errorf("unknown metrics protocol %q", c.Metrics.Protocol)
		}
	}

	for name, port := range map[string]int{"grpc": c.Server.GRPCPort, "health": c.Server.HealthPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
	}

	return nil
}
