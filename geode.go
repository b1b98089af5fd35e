// Package geode is an embeddable, hash-partitioned object store. Domain
// objects are crystallized into inert values, placed on partitions and
// nodes by consistent hashing, and served through a cluster manager
// that can grow the topology online: migrate to a larger node set,
// validate it, and cut over without downtime.
package geode

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrife/geode/cache"
	"github.com/jrife/geode/cluster"
	"github.com/jrife/geode/config"
	"github.com/jrife/geode/crystal"
	bboltplugin "github.com/jrife/geode/storage/kv/plugins/bbolt"
	"github.com/jrife/geode/utils/log"
)

// Engine ties the stack together: one root store, one hot cache, one
// cluster manager. It is the entry point for embedding consumers; the
// packages underneath remain usable on their own.
type Engine struct {
	cfg     config.Config
	logger  *zap.Logger
	root    *bboltplugin.RootStore
	hot     *cache.HotCache
	manager *cluster.Manager
}

// Open builds an engine from the configuration. The crystallizer is
// supplied by the domain-object layer; fields may be nil to disable
// indexing.
func Open(cfg config.Config, crystallizer crystal.Crystallizer, fields cluster.FieldExtractor) (*Engine, error) {
	logger, err := log.New(cfg.LogLevel)

	if err != nil {
		return nil, fmt.Errorf("could not build logger: %s", err)
	}

	root, err := bboltplugin.New(cfg.DataDir)

	if err != nil {
		return nil, err
	}

	hot := cache.NewHotCache()

	manager, err := cluster.New(cluster.Config{
		Store:             root,
		Crystallizer:      crystallizer,
		Fields:            fields,
		Hot:               hot,
		Logger:            logger,
		Nodes:             cfg.Nodes,
		PartitionsPerNode: cfg.PartitionsPerNode,
		VirtualPoints:     cfg.VirtualPoints,
		GrowthThreshold:   cfg.GrowthThreshold,
		AutoResize:        cfg.AutoResize,
		ResizeInterval:    cfg.ResizeInterval,
	})

	if err != nil {
		root.Close()

		return nil, err
	}

	if cfg.AutoResize {
		manager.Start()
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		root:    root,
		hot:     hot,
		manager: manager,
	}, nil
}

// Manager returns the engine's cluster manager
func (engine *Engine) Manager() *cluster.Manager {
	return engine.manager
}

// NewContext attaches a fresh crystallization cache, a hot-cache
// tracker, the engine logger and a request id to the context. Each
// worker or request should derive its own context this way; both
// caches belong to exactly one execution context while the hot cache
// behind them is shared, and every log line written for the context
// carries its request id.
func (engine *Engine) NewContext(ctx context.Context) context.Context {
	tracker := cache.NewTracker(engine.hot, engine.cfg.HotWindow, engine.cfg.HotThreshold, engine.cfg.IdleEviction, engine.logger)

	ctx = log.WithLogger(ctx, engine.logger)
	ctx = log.WithFields(ctx, zap.String("request", uuid.NewString()))

	return cache.WithTracker(crystal.WithCache(ctx), tracker)
}

// Close stops the manager and releases the root store
func (engine *Engine) Close() error {
	engine.manager.Close()

	if err := engine.root.Close(); err != nil {
		return fmt.Errorf("could not close root store: %s", err)
	}

	engine.logger.Sync()

	return nil
}
