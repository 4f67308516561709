package main

import (
	"context"
	"fmt"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
	"faktura/internal/core/tx"
	"faktura/internal/infrastructure/cache"
	"faktura/internal/infrastructure/config"
	numbering "faktura/internal/infrastructure/numerator"
	"faktura/internal/infrastructure/storage/gormstore"
	"faktura/internal/infrastructure/storage/postgres"
	"faktura/pkg/logger"
)

// prefixWriter is implemented by the organization stores of every backend.
type prefixWriter interface {
	numerator.PrefixSource
	SetPrefix(ctx context.Context, orgID id.ID, prefix string) error
}

// app holds the wired components of one backend.
type app struct {
	cfg      *config.Configuration
	log      *logger.Logger
	svc      *numbering.Service
	orgs     prefixWriter
	receipts numerator.ReceiptStore
	migrate  func(ctx context.Context, down bool) error
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Configuration, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		txm   tx.Manager
		store numerator.Store
		err   error
	)
	switch cfg.Database.Driver {
	case config.DriverPgx:
		txm, store, err = a.wirePgx(ctx)
	case config.DriverGormPostgres, config.DriverGormSQLite:
		txm, store, err = a.wireGorm(ctx)
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	ncfg, err := cfg.NumeratorConfig()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.svc = numbering.New(txm, store, a.prefixSource(ctx), ncfg,
		numbering.WithReceipts(a.receipts),
		numbering.WithLogger(log),
	)
	return a, nil
}

func (a *app) wirePgx(ctx context.Context) (tx.Manager, numerator.Store, error) {
	db := a.cfg.Database
	poolCfg := postgres.DefaultPoolConfig(db.DSN)
	poolCfg.MaxConns = db.MaxConns
	poolCfg.MinConns = db.MinConns
	if db.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = db.MaxConnLifetime
	}

	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() {
		postgres.LogPoolStats(ctx, pool.Pool)
		pool.Close()
	})

	txOpts := postgres.DefaultTxOptions()
	txOpts.StatementTimeout = db.StatementTimeout
	txOpts.LockTimeout = db.LockTimeout
	txm := postgres.NewTxManager(pool, postgres.WithTxDefaults(txOpts))

	orgs := postgres.NewOrganizationRepo(txm)
	a.orgs = orgs
	a.receipts = postgres.NewReceiptRepo(txm)

	a.migrate = func(ctx context.Context, down bool) error {
		return runMigrations(pool, a.log, down)
	}

	if ttl := a.cfg.Numbering.PrefixCacheTTL; ttl > 0 {
		prefixCache := cache.NewPrefixCache(orgs, ttl)
		listener := cache.NewPrefixListener(pool.Pool, prefixCache)
		listener.Start(ctx)
		a.closers = append(a.closers, listener.Stop)
		a.orgs = cachedOrgs{prefixWriter: orgs, cache: prefixCache}
	}

	return txm, postgres.NewSequenceRepo(txm), nil
}

func (a *app) wireGorm(ctx context.Context) (tx.Manager, numerator.Store, error) {
	db := a.cfg.Database
	dialect := gormstore.DialectPostgres
	if db.Driver == config.DriverGormSQLite {
		dialect = gormstore.DialectSQLite
	}

	gdb, err := gormstore.Open(gormstore.Config{
		Dialect:         dialect,
		DSN:             db.DSN,
		MaxOpenConns:    int(db.MaxConns),
		MaxIdleConns:    int(db.MinConns),
		ConnMaxLifetime: db.MaxConnLifetime,
		LogLevel:        db.LogLevel,
		Tracing:         db.Tracing,
	}, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() { _ = gormstore.Close(gdb) })

	txm := gormstore.NewTxManager(gdb, gormstore.WithLockTimeout(db.LockTimeout))
	orgs := gormstore.NewOrganizationStore(txm)
	a.orgs = orgs
	a.receipts = gormstore.NewReceiptStore(txm)

	if ttl := a.cfg.Numbering.PrefixCacheTTL; ttl > 0 {
		a.orgs = cachedOrgs{prefixWriter: orgs, cache: cache.NewPrefixCache(orgs, ttl)}
	}

	a.migrate = func(ctx context.Context, down bool) error {
		if dialect == gormstore.DialectSQLite {
			if down {
				return fmt.Errorf("migrate --down is not supported for %s", db.Driver)
			}
			return gormstore.AutoMigrate(gdb.WithContext(ctx))
		}
		pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(db.DSN))
		if err != nil {
			return err
		}
		defer pool.Close()
		return runMigrations(pool, a.log, down)
	}

	return txm, gormstore.NewStore(txm), nil
}

// prefixSource puts configured static prefixes in front of the organization store.
func (a *app) prefixSource(ctx context.Context) numerator.PrefixSource {
	if len(a.cfg.Numbering.Prefixes) == 0 {
		return a.orgs
	}

	static := make(map[id.ID]string, len(a.cfg.Numbering.Prefixes))
	for k, v := range a.cfg.Numbering.Prefixes {
		orgID, err := id.Parse(k)
		if err != nil {
			// Validated at load time
			a.log.WithContext(ctx).Warnw("skipping prefix of invalid organization id", "organization_id", k)
			continue
		}
		static[orgID] = v
	}
	configured := numerator.NewStaticPrefixes(static)

	return numerator.PrefixSourceFunc(func(ctx context.Context, orgID id.ID) (string, error) {
		if p, _ := configured.Prefix(ctx, orgID); p != "" {
			return p, nil
		}
		return a.orgs.Prefix(ctx, orgID)
	})
}

func runMigrations(pool *postgres.Pool, log *logger.Logger, down bool) error {
	m, err := postgres.NewMigrator(pool, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warnw("failed to close migrator", "error", err)
		}
	}()

	if down {
		return m.Down()
	}
	return m.Up()
}

// cachedOrgs serves prefixes from cache and invalidates it on writes.
type cachedOrgs struct {
	prefixWriter
	cache *cache.PrefixCache
}

func (c cachedOrgs) Prefix(ctx context.Context, orgID id.ID) (string, error) {
	return c.cache.Prefix(ctx, orgID)
}

func (c cachedOrgs) SetPrefix(ctx context.Context, orgID id.ID, prefix string) error {
	if err := c.prefixWriter.SetPrefix(ctx, orgID, prefix); err != nil {
		return err
	}
	c.cache.Invalidate(orgID)
	return nil
}
