package main

import (
	"context"
	"fmt"

	"metaforge/internal/builder"
	"metaforge/internal/compiler"
	"metaforge/internal/condition"
	"metaforge/internal/config"
	"metaforge/internal/core/tx"
	"metaforge/internal/events"
	"metaforge/internal/infrastructure/storage/memory"
	"metaforge/internal/infrastructure/storage/postgres"
	"metaforge/internal/positioning"
	"metaforge/internal/records"
	"metaforge/internal/schema"
	"metaforge/internal/service"
	"metaforge/pkg/logger"
)

// backend bundles the storage collaborators of one process.
type backend struct {
	txm        tx.Manager
	catalog    schema.Catalog
	repo       records.Repository
	positions  positioning.Store
	dispatcher events.Dispatcher
	syncer     *schema.Synchronizer

	// Set for PostgreSQL only.
	pool     *postgres.Pool
	relay    *postgres.OutboxRelay
	notifier *postgres.Notifier
}

func openBackend(ctx context.Context, c config.Config) (*backend, error) {
	if !c.UsesPostgres() {
		store := memory.New()
		logger.Info(ctx, "using in-memory storage")
		return &backend{
			txm:        store,
			catalog:    store,
			repo:       store,
			positions:  store,
			dispatcher: events.Log,
			syncer:     schema.New(store, store, schema.Dialect{NativeJSON: true}),
		}, nil
	}

	poolCfg := postgres.DefaultPoolConfig(c.DatabaseURL)
	poolCfg.MaxConns = int32(c.MaxConns)
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	opts := postgres.DefaultTxOptions()
	opts.StatementTimeout = c.StatementTimeout
	txm := postgres.NewTxManager(pool).WithOptions(opts)

	outbox, err := postgres.NewOutboxDispatcher(txm, c.Outbox.CompressThreshold)
	if err != nil {
		pool.Close()
		return nil, err
	}
	relay, err := postgres.NewOutboxRelay(txm, c.Outbox.BatchSize, events.Log)
	if err != nil {
		pool.Close()
		return nil, err
	}

	catalog := postgres.NewCatalog(txm)
	return &backend{
		txm:        txm,
		catalog:    catalog,
		repo:       postgres.NewRecordRepository(txm, c.JSONNative),
		positions:  postgres.NewPositionStore(txm),
		dispatcher: outbox,
		syncer:     schema.New(catalog, txm, schema.Dialect{NativeJSON: c.JSONNative}),
		pool:       pool,
		relay:      relay,
		notifier:   postgres.NewNotifier(pool, postgres.ReloadChannel),
	}, nil
}

// ensureOutbox creates or extends the outbox table. Memory storage has
// no outbox.
func (b *backend) ensureOutbox(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	outboxModel, err := postgres.OutboxModel()
	if err != nil {
		return err
	}
	if _, err := b.syncer.EnsureTable(ctx, outboxModel); err != nil {
		return fmt.Errorf("ensure outbox table: %w", err)
	}
	return nil
}

// compiler wires a builder that synchronizes through this backend.
func (b *backend) compiler(ctx context.Context) *compiler.Compiler {
	log := logger.FromContext(ctx)
	bld := builder.New(service.NewRegistry(), condition.NewEvaluator(log),
		builder.WithSyncer(b.syncer), builder.WithLogger(log))
	return compiler.New(bld, nil)
}

// records creates a record service reading types from c.
func (b *backend) records(c *compiler.Compiler) *records.Service {
	return records.NewService(records.Config{
		Repo:       b.repo,
		TxManager:  b.txm,
		Positions:  b.positions,
		Universe:   c,
		Dispatcher: b.dispatcher,
	})
}

func (b *backend) Close() {
	if b.notifier != nil {
		b.notifier.Stop()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// load compiles the configured definitions and returns a ready compiler.
func load(ctx context.Context, b *backend) (*compiler.Compiler, *compiler.Result, error) {
	if err := b.ensureOutbox(ctx); err != nil {
		return nil, nil, err
	}
	c := b.compiler(ctx)
	res, err := c.Trigger(ctx, compiler.DirSource(cfg.MetadataDir))
	if err != nil {
		return nil, nil, err
	}
	return c, res, nil
}
