// Package config loads the runtime configuration from loom.config.json.
// Every section has a working default so a bare `loom run` needs no config
// file at all.
package config

import (
	"encoding/json"
	"os"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

// DefaultPath is consulted when LOOM_CONFIG is unset.
const DefaultPath = "loom.config.json"

// Config is the root of loom.config.json.
type Config struct {
	Storage    StorageConfig                    `json:"storage,omitempty"`
	Event      EventConfig                      `json:"event,omitempty"`
	Blob       BlobConfig                       `json:"blob,omitempty"`
	Secrets    SecretsConfig                    `json:"secrets,omitempty"`
	Registries []RegistryRef                    `json:"registries,omitempty"`
	MCPServers map[string]model.MCPServerConfig `json:"mcp_servers,omitempty"`
	Log        LogConfig                        `json:"log,omitempty"`
	Telemetry  TelemetryConfig                  `json:"telemetry,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is memory, sqlite, or postgres.
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// EventConfig selects the event bus.
type EventConfig struct {
	// Driver is memory or nats.
	Driver    string `json:"driver,omitempty"`
	URL       string `json:"url,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// BlobConfig selects the blob store.
type BlobConfig struct {
	// Driver is fs or s3.
	Driver string `json:"driver,omitempty"`
	Dir    string `json:"dir,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Region string `json:"region,omitempty"`
}

// SecretsConfig selects the secrets provider.
type SecretsConfig struct {
	// Driver is env; DotenvPath points at an optional .env file.
	Driver     string `json:"driver,omitempty"`
	DotenvPath string `json:"dotenv_path,omitempty"`
}

// RegistryRef names one registry source, queried in the order listed.
type RegistryRef struct {
	Name string `json:"name"`
	// Path for local file sources, URL for remote ones.
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Debug bool `json:"debug,omitempty"`
}

// TelemetryConfig tunes tracing and metrics.
type TelemetryConfig struct {
	// TraceExporter is none, stdout, or otlp.
	TraceExporter string `json:"trace_exporter,omitempty"`
	OTLPEndpoint  string `json:"otlp_endpoint,omitempty"`
	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Default returns the configuration used when no file exists: sqlite in a
// local .loom directory, in-memory events, filesystem blobs, env secrets.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "sqlite", DSN: ".loom/loom.db"},
		Event:   EventConfig{Driver: "memory"},
		Blob:    BlobConfig{Driver: "fs", Dir: ".loom/blobs"},
		Secrets: SecretsConfig{Driver: "env", DotenvPath: ".env"},
	}
}

// Load reads the config at path, falling back to defaults for any omitted
// section. A missing file yields the full default config; a malformed file is
// an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LOOM_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "reading config %q", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parsing config %q", path)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Storage.Driver == "" {
		cfg.Storage = def.Storage
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = def.Storage.DSN
	}
	if cfg.Event.Driver == "" {
		cfg.Event.Driver = def.Event.Driver
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob = def.Blob
	}
	if cfg.Blob.Driver == "fs" && cfg.Blob.Dir == "" {
		cfg.Blob.Dir = def.Blob.Dir
	}
	if cfg.Secrets.Driver == "" {
		cfg.Secrets = def.Secrets
	}
}
