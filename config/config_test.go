package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
client:
  endpoints:
    - ws://node-a:9944
    - wss://node-b:443/ws
  request_timeout: 5s
server:
  listen: ":8545"
  max_batch_size: 10
logging:
  format: text
  output:
    type: file
    path: /tmp/rpcgw.log
cache:
  default_ttl: 30s
middlewares:
  methods: [validate, cache, upstream]
rpcs:
  methods:
    - method: eth_getBlockByNumber
      params:
        - name: block
          block_tag: true
          schema:
            type: string
        - name: full
          optional: true
          default: false
      cache:
        ttl: 12s
      aliases: [chain_getBlock]
    - method: system_health
      response:
        replace: {peers: 1}
  subscriptions:
    - subscribe: eth_subscribe
      unsubscribe: eth_unsubscribe
      notification: eth_subscription
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Client.Endpoints) != 2 || cfg.Client.RequestTimeout != 5*time.Second {
		t.Fatalf("client config not decoded: %+v", cfg.Client)
	}
	if cfg.Client.DialTimeout != 10*time.Second {
		t.Fatalf("defaults not kept: %+v", cfg.Client)
	}
	if cfg.Server.Listen != ":8545" || cfg.Server.Path != "/" {
		t.Fatalf("server config: %+v", cfg.Server)
	}
	m := cfg.RPCs.Methods[0]
	if !m.Params[0].BlockTag || m.Params[1].Default != false || m.Cache.TTL != 12*time.Second {
		t.Fatalf("method config: %+v", m)
	}
	if m.Params[0].Schema["type"] != "string" {
		t.Fatalf("param schema: %+v", m.Params[0].Schema)
	}
	replace, err := json.Marshal(cfg.RPCs.Methods[1].Response.Replace)
	if err != nil || string(replace) != `{"peers":1}` {
		t.Fatalf("replace = %s (%v)", replace, err)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	base := "client:\n  endpoints: [ws://a:1]\n"
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"no endpoints", "server:\n  listen: ':1'\n", "Config.Client.Endpoints"},
		{"bad scheme", "client:\n  endpoints: [http://a:1]\n", "client.endpoints[0]"},
		{"unknown field", base + "bogus: 1\n", ""},
		{"file output without path", base + "logging:\n  output:\n    type: file\n", "logging.output.path"},
		{"bad format", base + "logging:\n  format: xml\n", "Config.Logging.Format"},
		{"redis without url", base + "cache:\n  backend: redis\n", "cache.redis_url"},
		{"auth without key", base + "auth: {issuer: x}\n", "auth"},
		{"auth with two keys", base + "auth: {secret: s, jwks_url: 'https://idp/keys'}\n", "auth"},
		{"discovery without issuer", base + "auth: {discovery: true}\n", "auth.issuer"},
		{"required after optional", base + "rpcs:\n  methods:\n    - method: m\n      params:\n        - {name: a, optional: true}\n        - {name: b}\n", "rpcs.methods[0].params[1]"},
		{"duplicate method", base + "rpcs:\n  methods:\n    - method: m\n    - method: x\n      aliases: [m]\n", "rpcs.methods[1]"},
		{"two trace exporters", base + "tracing: {agent_addr: '127.0.0.1:6831', collector_url: 'http://c:14268/api/traces'}\n", "tracing"},
		{"agent without port", base + "tracing: {agent_addr: jaeger}\n", "tracing.agent_addr"},
		{"sample rate above one", base + "tracing: {sample_rate: 2}\n", "Config.Tracing.SampleRate"},
		{"unknown stage", base + "middlewares:\n  methods: [teleport]\n", "Config.Middlewares.Methods[0]"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.yaml))
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if tc.field != "" && cerr.Field != tc.field {
				t.Fatalf("field = %q, want %q (%v)", cerr.Field, tc.field, err)
			}
		})
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("client:\n  endpoints: [ws://file:1]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RPCGW_ENDPOINTS", "ws://env-a:1;ws://env-b:2")
	t.Setenv("RPCGW_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(cfg.Client.Endpoints, ",") != "ws://env-a:1,ws://env-b:2" {
		t.Fatalf("endpoints = %v", cfg.Client.Endpoints)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestSchema(t *testing.T) {
	t.Parallel()

	b, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := doc["properties"].(map[string]any)
	for _, key := range []string{"client", "server", "rpcs", "chain_head"} {
		if _, ok := props[key]; !ok {
			t.Fatalf("schema missing property %q: %s", key, b)
		}
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	data, err := os.ReadFile(filepath.Join("..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("read example: %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse example: %v", err)
	}
	if len(cfg.RPCs.Methods) == 0 || len(cfg.RPCs.Subscriptions) == 0 {
		t.Fatal("example declares no rpcs")
	}
}
