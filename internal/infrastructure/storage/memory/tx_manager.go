package memory

import (
	"context"
	"fmt"

	"faktura/internal/core/numerator"
	"faktura/internal/core/tx"
)

// Compile-time check that TxManager implements the tx interfaces.
var (
	_ tx.ReadOnlyManager  = (*TxManager)(nil)
	_ tx.SavepointManager = (*TxManager)(nil)
)

type txKey struct{}

// memTx is one transaction's private state. It is owned by a single goroutine.
type memTx struct {
	store    *Store
	writes   map[numerator.Key]numerator.Counter
	receipts map[receiptKey]numerator.Receipt
	pruned   map[receiptKey]struct{}
	held     map[any]struct{}
	readOnly bool
}

func (t *memTx) holds(key any) bool {
	_, ok := t.held[key]
	return ok
}

func getTx(ctx context.Context) *memTx {
	if t, ok := ctx.Value(txKey{}).(*memTx); ok {
		return t
	}
	return nil
}

// TxManager runs functions in transactions against a Store.
type TxManager struct {
	store *Store
}

// NewTxManager creates a transaction manager for store.
func NewTxManager(store *Store) *TxManager {
	return &TxManager{store: store}
}

// RunInTransaction implements tx.Manager.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, false, fn)
}

// ReadOnly implements tx.ReadOnlyManager.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, true, fn)
}

// RunInSavepoint implements tx.SavepointManager.
func (m *TxManager) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	existing := getTx(ctx)
	if existing == nil || existing.store != m.store {
		return m.run(ctx, false, fn)
	}

	snapshot := make(map[numerator.Key]numerator.Counter, len(existing.writes))
	for k, c := range existing.writes {
		snapshot[k] = c
	}
	receipts := make(map[receiptKey]numerator.Receipt, len(existing.receipts))
	for k, r := range existing.receipts {
		receipts[k] = r
	}
	pruned := make(map[receiptKey]struct{}, len(existing.pruned))
	for k := range existing.pruned {
		pruned[k] = struct{}{}
	}

	if err := fn(ctx); err != nil {
		existing.writes = snapshot
		existing.receipts = receipts
		existing.pruned = pruned
		return err
	}
	return nil
}

func (m *TxManager) run(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	if existing := getTx(ctx); existing != nil && existing.store == m.store {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	t := &memTx{
		store:    m.store,
		writes:   make(map[numerator.Key]numerator.Counter),
		receipts: make(map[receiptKey]numerator.Receipt),
		pruned:   make(map[receiptKey]struct{}),
		held:     make(map[any]struct{}),
		readOnly: readOnly,
	}

	defer func() {
		if p := recover(); p != nil {
			m.store.rollback(t)
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		m.store.rollback(t)
		return err
	}

	// A cancelled caller never commits, same as a dropped connection.
	if err := ctx.Err(); err != nil {
		m.store.rollback(t)
		return fmt.Errorf("commit transaction: %w", err)
	}

	m.store.commit(t)
	return nil
}
