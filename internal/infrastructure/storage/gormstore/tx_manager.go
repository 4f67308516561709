package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"faktura/internal/core/tx"
)

var (
	_ tx.ReadOnlyManager  = (*TxManager)(nil)
	_ tx.SavepointManager = (*TxManager)(nil)
)

type txKey struct{}

// txState is the transaction carried in context.
type txState struct {
	db    *gorm.DB
	owner *gorm.DB
}

// TxManager runs functions in GORM transactions stored in context.
type TxManager struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// TxOption configures TxManager.
type TxOption func(*TxManager)

// WithLockTimeout sets lock_timeout for every transaction (PostgreSQL only).
func WithLockTimeout(d time.Duration) TxOption {
	return func(m *TxManager) { m.lockTimeout = d }
}

// NewTxManager creates a transaction manager for db.
func NewTxManager(db *gorm.DB, opts ...TxOption) *TxManager {
	m := &TxManager{db: db}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunInTransaction implements tx.Manager.
// An existing transaction in ctx is reused.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, nil, fn)
}

// ReadOnly implements tx.ReadOnlyManager.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	var opts *sql.TxOptions
	if m.db.Dialector.Name() == DialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	return m.run(ctx, opts, fn)
}

// RunInSavepoint implements tx.SavepointManager.
// GORM turns a Transaction call on a transaction into SAVEPOINT / ROLLBACK TO.
func (m *TxManager) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	existing := m.current(ctx)
	if existing == nil {
		return m.run(ctx, nil, fn)
	}
	return existing.db.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, &txState{db: sp, owner: m.db}))
	})
}

func (m *TxManager) run(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error {
	if m.current(ctx) != nil {
		return fn(ctx)
	}

	var sqlOpts []*sql.TxOptions
	if opts != nil {
		sqlOpts = append(sqlOpts, opts)
	}

	return m.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		if m.lockTimeout > 0 && m.db.Dialector.Name() == DialectPostgres {
			if err := txDB.Exec("SELECT set_config('lock_timeout', ?, true)",
				fmt.Sprintf("%dms", m.lockTimeout.Milliseconds())).Error; err != nil {
				return fmt.Errorf("set lock_timeout: %w", err)
			}
		}
		return fn(context.WithValue(ctx, txKey{}, &txState{db: txDB, owner: m.db}))
	}, sqlOpts...)
}

// current returns the transaction of this manager's database in ctx, if any.
func (m *TxManager) current(ctx context.Context) *txState {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.owner == m.db {
		return st
	}
	return nil
}

// conn returns the transaction in ctx or the plain database handle.
func (m *TxManager) conn(ctx context.Context) *gorm.DB {
	if st := m.current(ctx); st != nil {
		return st.db.WithContext(ctx)
	}
	return m.db.WithContext(ctx)
}
