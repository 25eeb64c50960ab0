package main

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/adapter"
	"github.com/loomworks/loom/blob"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/secrets"
	"github.com/loomworks/loom/storage"
	"github.com/loomworks/loom/telemetry"
)

// runtime bundles the wired collaborators a command needs to execute flows.
type runtime struct {
	cfg     *config.Config
	store   storage.Storage
	bus     event.Bus
	engine  *engine.Engine
	mcp     *adapter.MCPAdapter
	secrets secrets.Provider

	shutdownTracing func(context.Context) error
}

// openRuntime builds the full execution stack from the config file.
func openRuntime(path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Debug {
		logger.SetDebug(true)
	}

	sec := secrets.NewEnvProvider(cfg.Secrets.DotenvPath)

	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	bus, err := openBus(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	blobs, err := openBlobs(cfg)
	if err != nil {
		store.Close()
		bus.Close()
		return nil, err
	}

	manager := openRegistry(cfg)
	adapters := adapter.NewRegistry(manager, sec)
	adapters.Register(adapter.NewCoreAdapter(bus, blobs))
	mcp := adapter.NewMCPAdapter(manager)
	if len(cfg.MCPServers) > 0 {
		mcp.RegisterServers(cfg.MCPServers)
	}
	adapters.Register(mcp)

	shutdown := telemetry.Init(cfg.Telemetry)
	if cfg.Telemetry.MetricsAddr != "" {
		telemetry.ServeMetrics(cfg.Telemetry.MetricsAddr)
	}

	eng := engine.New(adapters, store, bus, sec)
	eng.UseMCPAdapter(mcp)

	return &runtime{
		cfg:             cfg,
		store:           store,
		bus:             bus,
		engine:          eng,
		mcp:             mcp,
		secrets:         sec,
		shutdownTracing: shutdown,
	}, nil
}

func (r *runtime) Close() {
	if r.mcp != nil {
		if err := r.mcp.Close(); err != nil {
			logger.Warn("closing MCP clients: %v", err)
		}
	}
	if err := r.bus.Close(); err != nil {
		logger.Warn("closing event bus: %v", err)
	}
	if err := r.store.Close(); err != nil {
		logger.Warn("closing storage: %v", err)
	}
	if r.shutdownTracing != nil {
		if err := r.shutdownTracing(context.Background()); err != nil {
			logger.Warn("flushing traces: %v", err)
		}
	}
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite", "":
		return storage.NewSqliteStorage(cfg.Storage.DSN)
	case "postgres":
		return storage.NewPostgresStorage(cfg.Storage.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func openBus(cfg *config.Config) (event.Bus, error) {
	switch cfg.Event.Driver {
	case "memory", "":
		return event.NewInMemoryBus(), nil
	case "nats":
		return event.NewNATSBus(cfg.Event.ClusterID, cfg.Event.ClientID, cfg.Event.URL)
	}
	return nil, fmt.Errorf("unknown event driver %q", cfg.Event.Driver)
}

func openBlobs(cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "fs", "":
		return blob.NewFSStore(cfg.Blob.Dir)
	case "s3":
		return blob.NewS3Store(context.Background(), cfg.Blob.Bucket, cfg.Blob.Region)
	}
	return nil, fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
}

// openRegistry layers the configured registry sources over the embedded
// defaults. Configured sources are queried first so they can shadow defaults.
func openRegistry(cfg *config.Config) *registry.Manager {
	var sources []registry.Source
	for _, ref := range cfg.Registries {
		switch {
		case ref.Path != "":
			sources = append(sources, registry.NewLocalSource(ref.Path))
		case ref.URL != "":
			sources = append(sources, registry.NewRemoteSource(ref.Name, ref.URL))
		default:
			logger.Warn("registry %q has neither path nor url, skipping", ref.Name)
		}
	}
	defaults, err := registry.NewDefaultSource()
	if err != nil {
		logger.Warn("loading embedded registry defaults: %v", err)
	} else {
		sources = append(sources, defaults)
	}
	return registry.NewManager(sources...)
}
