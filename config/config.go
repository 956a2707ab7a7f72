// Package config loads and validates the gateway configuration. A Config
// returned by Load or Parse has passed every check; any failure is reported as
// a *Error and the gateway must not start.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the root of the gateway configuration file.
type Config struct {
	Client      ClientConfig      `yaml:"client" json:"client"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Auth        *AuthConfig       `yaml:"auth,omitempty" json:"auth,omitempty"`
	ChainHead   ChainHeadConfig   `yaml:"chain_head" json:"chain_head"`
	Middlewares MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	RPCs        RPCsConfig        `yaml:"rpcs" json:"rpcs"`
}

// ClientConfig configures the upstream endpoint pool.
type ClientConfig struct {
	Endpoints          []string      `yaml:"endpoints" json:"endpoints" validate:"required,min=1,dive,url"`
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0" jsonschema:"type=string"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout" validate:"gte=0" jsonschema:"type=string"`
	SubscriptionBuffer int           `yaml:"subscription_buffer" json:"subscription_buffer" validate:"gte=0"`
}

// ServerConfig configures the inbound listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen" json:"listen" validate:"required"`
	Path            string        `yaml:"path" json:"path" validate:"required,startswith=/"`
	MaxBatchSize    int           `yaml:"max_batch_size" json:"max_batch_size" validate:"gte=1"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gte=1"`
	Admin           bool          `yaml:"admin" json:"admin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0" jsonschema:"type=string"`
}

// LoggingConfig selects the log level, format and sink.
type LoggingConfig struct {
	Level  string    `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string    `yaml:"format" json:"format" validate:"oneof=json text"`
	Output LogOutput `yaml:"output" json:"output"`
}

// LogOutput is the log sink. File output requires Path.
type LogOutput struct {
	Type       string `yaml:"type" json:"type" validate:"oneof=stderr file syslog"`
	Path       string `yaml:"path,omitempty" json:"path,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
	Tag        string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required,startswith=/"`
}

// TracingConfig enables spans in the logging stage. Spans go to a Jaeger
// agent over UDP, to a Jaeger collector over HTTP, or, when neither is set,
// to the debug log.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name" validate:"required"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
	AgentAddr    string  `yaml:"agent_addr,omitempty" json:"agent_addr,omitempty"`
	CollectorURL string  `yaml:"collector_url,omitempty" json:"collector_url,omitempty" validate:"omitempty,url"`
}

// CacheConfig selects the shared result cache backend.
type CacheConfig struct {
	Backend    string        `yaml:"backend" json:"backend" validate:"oneof=memory redis"`
	Size       int           `yaml:"size" json:"size" validate:"gte=1"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"gte=0" jsonschema:"type=string"`
	RedisURL   string        `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	KeyPrefix  string        `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

// AuthConfig enables bearer token verification. Exactly one key source must
// be set: an HMAC Secret, a JWKSURL, or Discovery of the JWKS through the
// Issuer's OpenID configuration.
type AuthConfig struct {
	Secret    string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	JWKSURL   string   `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" validate:"omitempty,url"`
	Discovery bool     `yaml:"discovery,omitempty" json:"discovery,omitempty"`
	Issuer    string   `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience  []string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// ChainHeadConfig configures the latest-block tracker used by block tag
// resolution.
type ChainHeadConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	BlockNumberMethod string `yaml:"block_number_method" json:"block_number_method" validate:"required"`
	SubscribeMethod   string `yaml:"subscribe_method" json:"subscribe_method" validate:"required"`
	UnsubscribeMethod string `yaml:"unsubscribe_method" json:"unsubscribe_method" validate:"required"`
	SubscribeParams   []any  `yaml:"subscribe_params" json:"subscribe_params"`
}

// MiddlewaresConfig restricts which optional stages are built. An empty list
// enables every stage. The upstream stage is always present.
type MiddlewaresConfig struct {
	Methods       []string `yaml:"methods" json:"methods" validate:"dive,oneof=auth validate inject_params block_tag cache delay logging response upstream"`
	Subscriptions []string `yaml:"subscriptions" json:"subscriptions" validate:"dive,oneof=auth validate inject_params logging upstream"`
}

// RPCsConfig declares the exposed methods and subscriptions.
type RPCsConfig struct {
	Methods       []MethodConfig       `yaml:"methods" json:"methods" validate:"dive"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions" validate:"dive"`
}

// MethodConfig declares one exposed RPC method and its stage settings.
type MethodConfig struct {
	Method   string             `yaml:"method" json:"method" validate:"required"`
	Params   []ParamConfig      `yaml:"params,omitempty" json:"params,omitempty" validate:"dive"`
	Cache    *MethodCacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`
	Delay    time.Duration      `yaml:"delay,omitempty" json:"delay,omitempty" validate:"gte=0" jsonschema:"type=string"`
	Response *ResponseConfig    `yaml:"response,omitempty" json:"response,omitempty"`
	Public   bool               `yaml:"public,omitempty" json:"public,omitempty"`
	Aliases  []string           `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// ParamConfig declares one positional parameter.
type ParamConfig struct {
	Name     string         `yaml:"name" json:"name" validate:"required"`
	Optional bool           `yaml:"optional,omitempty" json:"optional,omitempty"`
	Default  any            `yaml:"default,omitempty" json:"default,omitempty"`
	Schema   map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
	BlockTag bool           `yaml:"block_tag,omitempty" json:"block_tag,omitempty"`
}

// MethodCacheConfig enables result caching for a method. Size gives the method
// its own in-memory store instead of the shared backend.
type MethodCacheConfig struct {
	TTL  time.Duration `yaml:"ttl" json:"ttl" validate:"gte=0" jsonschema:"type=string"`
	Size int           `yaml:"size,omitempty" json:"size,omitempty" validate:"gte=0"`
}

// ResponseConfig shapes successful results. Replace returns a fixed value;
// Field extracts one member of an object result.
type ResponseConfig struct {
	Replace any    `yaml:"replace,omitempty" json:"replace,omitempty"`
	Field   string `yaml:"field,omitempty" json:"field,omitempty"`
}

// SubscriptionConfig declares one exposed subscription.
type SubscriptionConfig struct {
	Subscribe    string        `yaml:"subscribe" json:"subscribe" validate:"required"`
	Unsubscribe  string        `yaml:"unsubscribe" json:"unsubscribe" validate:"required"`
	Notification string        `yaml:"notification" json:"notification" validate:"required"`
	Params       []ParamConfig `yaml:"params,omitempty" json:"params,omitempty" validate:"dive"`
	Public       bool          `yaml:"public,omitempty" json:"public,omitempty"`
	Aliases      []string      `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// envOverrides are applied after the file is read.
type envOverrides struct {
	Endpoints []string `env:"RPCGW_ENDPOINTS"`
	Listen    string   `env:"RPCGW_LISTEN"`
	RedisURL  string   `env:"RPCGW_REDIS_URL"`
	LogLevel  string   `env:"RPCGW_LOG_LEVEL"`
}

// Default returns a configuration with every default applied and no endpoints.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			RequestTimeout:     30 * time.Second,
			DialTimeout:        10 * time.Second,
			SubscriptionBuffer: 16,
		},
		Server: ServerConfig{
			Listen:          ":9944",
			Path:            "/",
			MaxBatchSize:    100,
			MaxBodyBytes:    10 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: LogOutput{Type: "stderr", Tag: "rpcgateway"},
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "rpcgateway", SampleRate: 1},
		Cache: CacheConfig{
			Backend:    "memory",
			Size:       4096,
			DefaultTTL: 10 * time.Second,
			KeyPrefix:  "rpcgw:cache:",
		},
		ChainHead: ChainHeadConfig{
			BlockNumberMethod: "eth_blockNumber",
			SubscribeMethod:   "eth_subscribe",
			UnsubscribeMethod: "eth_unsubscribe",
			SubscribeParams:   []any{"newHeads"},
		},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path starts from the defaults.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("read %s: %w", path, err)}
		}
		data = b
	}
	return parse(data, true)
}

// Parse decodes and validates YAML configuration without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, false)
}

func parse(data []byte, useEnv bool) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &Error{Err: fmt.Errorf("decode yaml: %w", err)}
		}
	}
	if useEnv {
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return &Error{Field: "env", Err: err}
	}
	if len(env.Endpoints) > 0 {
		c.Client.Endpoints = env.Endpoints
	}
	if env.Listen != "" {
		c.Server.Listen = env.Listen
	}
	if env.RedisURL != "" {
		c.Cache.RedisURL = env.RedisURL
		c.Cache.Backend = "redis"
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	return nil
}
