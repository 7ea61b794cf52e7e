package engine

import (
	"context"
	"errors"
	"fmt"

	chclient "github.com/ethpandaops/cdcore/pkg/clickhouse"
	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/lock"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	cdredis "github.com/ethpandaops/cdcore/pkg/redis"
	"github.com/ethpandaops/cdcore/pkg/sink"
	sinkclickhouse "github.com/ethpandaops/cdcore/pkg/sink/clickhouse"
	memsink "github.com/ethpandaops/cdcore/pkg/sink/memory"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/ethpandaops/cdcore/pkg/watermark"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Components are the stores and the coordinator a process needs to run or inspect pipelines.
// The engine service and the CLI commands both build them from the same config.
type Components struct {
	RedisOptions *redis.Options
	Redis        *redis.Client

	Sink       sink.Sink
	Watermarks watermark.Store
	Manifests  manifest.Store
	Naming     *strategy.Naming

	Sources     []*source.Source
	Graph       *coordinator.Graph
	Coordinator *coordinator.Coordinator

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// BuildComponents connects to redis and the sink, loads the sources and assembles the coordinator.
// The caller owns the result and must Close it.
func BuildComponents(ctx context.Context, log logrus.FieldLogger, cfg *Config) (*Components, error) {
	return assemble(log, func(c *Components) error {
		if err := c.openStores(ctx, cfg); err != nil {
			return err
		}

		return c.buildPipeline(log, cfg)
	})
}

// OpenStores connects only the redis client, the watermark store and the manifest store. Sources
// are not loaded and no connector is opened, which is what the read-only commands need.
func OpenStores(ctx context.Context, log logrus.FieldLogger, cfg *Config) (*Components, error) {
	return assemble(log, func(c *Components) error {
		return c.openStores(ctx, cfg)
	})
}

func assemble(log logrus.FieldLogger, build func(c *Components) error) (*Components, error) {
	c := &Components{}

	if err := build(c); err != nil {
		if closeErr := c.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to release partially built components")
		}

		return nil, err
	}

	return c, nil
}

func (c *Components) openStores(ctx context.Context, cfg *Config) error {
	opts, err := cfg.Redis.Options()
	if err != nil {
		return err
	}

	c.RedisOptions = opts

	c.Redis, err = cdredis.Connect(ctx, opts)
	if err != nil {
		return err
	}

	c.onClose("redis client", c.Redis.Close)

	if c.Watermarks, err = c.newWatermarkStore(cfg); err != nil {
		return err
	}

	c.Manifests = manifest.NewRedisStore(c.Redis, cfg.Redis.KeyPrefix(), cfg.Manifest.Retention)

	return nil
}

func (c *Components) buildPipeline(log logrus.FieldLogger, cfg *Config) error {
	var err error

	if c.Sink, err = newSink(log, &cfg.Sink); err != nil {
		return err
	}

	c.onClose("sink", c.Sink.Close)

	if c.Naming, err = strategy.NewNaming(cfg.Naming); err != nil {
		return fmt.Errorf("invalid naming: %w", err)
	}

	if c.Sources, c.Graph, err = LoadGraph(cfg); err != nil {
		return err
	}

	deps := strategy.Deps{
		Log:        log,
		Sink:       c.Sink,
		Watermarks: c.Watermarks,
		Naming:     c.Naming,
		Retry:      cfg.Retry,
	}

	strategies := make(map[string]strategy.Strategy, len(c.Sources))

	for _, src := range c.Sources {
		conn, err := source.NewConnector(src, log)
		if err != nil {
			return err
		}

		c.onClose("connector "+src.ID, conn.Close)

		if strategies[src.ID], err = strategy.New(src, conn, deps); err != nil {
			return fmt.Errorf("failed to create strategy for %s: %w", src.ID, err)
		}
	}

	locker := lock.NewRedisLocker(c.Redis, cfg.Redis.KeyPrefix(), cfg.Coordinator.LockTTL)

	c.Coordinator, err = coordinator.New(log, cfg.Coordinator, c.Graph, strategies, locker, c.Manifests)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	log.WithFields(logrus.Fields{
		"sources": len(c.Sources),
		"nodes":   len(c.Graph.Nodes()),
		"sink":    cfg.Sink.Type,
	}).Info("Pipeline components ready")

	return nil
}

func (c *Components) newWatermarkStore(cfg *Config) (watermark.Store, error) {
	switch cfg.Watermarks.Type {
	case watermark.TypeMemory:
		return watermark.NewMemoryStore(), nil
	case watermark.TypeSQLite:
		store, err := watermark.OpenSQLite(cfg.Watermarks.SQLite.Path)
		if err != nil {
			return nil, err
		}

		c.onClose("sqlite watermarks", store.Close)

		return store, nil
	case watermark.TypeRedis:
		return watermark.NewRedisStore(c.Redis, cfg.Redis.KeyPrefix()), nil
	default:
		return nil, fmt.Errorf("%w: %q", watermark.ErrUnknownType, cfg.Watermarks.Type)
	}
}

func newSink(log logrus.FieldLogger, cfg *sink.Config) (sink.Sink, error) {
	switch cfg.Type {
	case sink.TypeMemory:
		return memsink.New(), nil
	case sink.TypeClickHouse:
		cfg.ClickHouse.SetDefaults()

		client, err := chclient.NewClient(log, cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse client: %w", err)
		}

		if err := client.Start(); err != nil {
			return nil, err
		}

		return sinkclickhouse.New(log, client, cfg.ClickHouse), nil
	default:
		return nil, fmt.Errorf("%w: %q", sink.ErrUnknownType, cfg.Type)
	}
}

func (c *Components) onClose(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, fn: fn})
}

// Close releases everything in reverse order of creation
func (c *Components) Close() error {
	var errs []error

	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.closers[i].name, err))
		}
	}

	c.closers = nil

	return errors.Join(errs...)
}

// LoadGraph loads the configured sources and builds their dependency graph
func LoadGraph(cfg *Config) ([]*source.Source, *coordinator.Graph, error) {
	sources, err := source.Load(&cfg.Sources)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sources: %w", err)
	}

	graph, err := coordinator.NewGraph(sources)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build graph: %w", err)
	}

	return sources, graph, nil
}
