// Package memory provides an in-process implementation of numerator.Store,
// numerator.ReceiptStore and tx.Manager.
//
// Locking mirrors PostgreSQL row locks under READ COMMITTED:
//   - FindAndLock on an existing row holds a per-key lock until the transaction ends;
//     on an absent row it locks nothing.
//   - Create takes the key lock as well, so a second creator waits for the first
//     transaction and then fails with ErrCounterExists, like a unique index would.
//   - RecordReceipt does the same with the (organization, request key) pair.
//   - Writes and receipt deletions are staged per transaction and become
//     visible at commit only.
//
// Used by unit tests and single-process deployments that do not need durability.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

var errNoTransaction = errors.New("memory store: operation requires a transaction")
var errReadOnly = errors.New("memory store: cannot write in a read-only transaction")

// Store keeps committed counters in a map and serializes writers per key.
type Store struct {
	mu       sync.RWMutex
	rows     map[numerator.Key]numerator.Counter
	receipts map[receiptKey]numerator.Receipt

	// Keyed by numerator.Key for counters and receiptKey for receipts.
	locksMu sync.Mutex
	locks   map[any]chan struct{}

	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithLockTimeout bounds how long FindAndLock and Create wait for a busy key.
// Zero waits until the context is done.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides the clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		rows:     make(map[numerator.Key]numerator.Counter),
		receipts: make(map[receiptKey]numerator.Receipt),
		locks:    make(map[any]chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindAndLock implements numerator.Store.
func (s *Store) FindAndLock(ctx context.Context, key numerator.Key) (*numerator.Counter, error) {
	t := getTx(ctx)
	if t == nil {
		return nil, errNoTransaction
	}
	if t.readOnly {
		return nil, errReadOnly
	}

	alreadyHeld := t.holds(key)
	if err := s.acquire(ctx, t, key); err != nil {
		return nil, err
	}

	c, ok := s.visible(t, key)
	if !ok {
		// Nothing to lock: behave like SELECT ... FOR UPDATE on zero rows.
		if !alreadyHeld {
			s.release(t, key)
		}
		return nil, numerator.ErrCounterNotFound
	}
	return &c, nil
}

// Create implements numerator.Store.
func (s *Store) Create(ctx context.Context, c *numerator.Counter) error {
	t := getTx(ctx)
	if t == nil {
		return errNoTransaction
	}
	if t.readOnly {
		return errReadOnly
	}

	key := c.Key()
	if err := s.acquire(ctx, t, key); err != nil {
		return err
	}
	if _, ok := s.visible(t, key); ok {
		return fmt.Errorf("create %s: %w", key, numerator.ErrCounterExists)
	}

	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	t.writes[key] = *c
	return nil
}

// Save implements numerator.Store.
func (s *Store) Save(ctx context.Context, c *numerator.Counter) error {
	t := getTx(ctx)
	if t == nil {
		return errNoTransaction
	}
	if t.readOnly {
		return errReadOnly
	}

	key := c.Key()
	if !t.holds(key) {
		return fmt.Errorf("save %s: counter is not locked by this transaction", key)
	}
	current, ok := s.visible(t, key)
	if !ok {
		return fmt.Errorf("save %s: %w", key, numerator.ErrCounterNotFound)
	}
	if c.LastIssued < current.LastIssued {
		return fmt.Errorf("save %s: last issued cannot decrease (%d < %d)", key, c.LastIssued, current.LastIssued)
	}

	current.LastIssued = c.LastIssued
	current.UpdatedAt = s.now().UTC()
	t.writes[key] = current
	c.UpdatedAt = current.UpdatedAt
	return nil
}

// Get implements numerator.Store.
func (s *Store) Get(ctx context.Context, key numerator.Key) (*numerator.Counter, error) {
	c, ok := s.visible(getTx(ctx), key)
	if !ok {
		return nil, numerator.ErrCounterNotFound
	}
	return &c, nil
}

// ListByOrganization implements numerator.Store.
func (s *Store) ListByOrganization(ctx context.Context, orgID id.ID) ([]*numerator.Counter, error) {
	t := getTx(ctx)

	s.mu.RLock()
	merged := make(map[numerator.Key]numerator.Counter)
	for k, c := range s.rows {
		if k.OrganizationID == orgID {
			merged[k] = c
		}
	}
	s.mu.RUnlock()

	if t != nil {
		for k, c := range t.writes {
			if k.OrganizationID == orgID {
				merged[k] = c
			}
		}
	}

	out := make([]*numerator.Counter, 0, len(merged))
	for _, c := range merged {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out, nil
}

// visible returns the row as seen by t: its own staged write first, then committed state.
func (s *Store) visible(t *memTx, key numerator.Key) (numerator.Counter, bool) {
	if t != nil {
		if c, ok := t.writes[key]; ok {
			return c, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[key]
	return c, ok
}

func (s *Store) lockFor(key any) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *Store) acquire(ctx context.Context, t *memTx, key any) error {
	if t.holds(key) {
		return nil
	}

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.lockFor(key) <- struct{}{}:
		t.held[key] = struct{}{}
		return nil
	case <-timeout:
		return fmt.Errorf("lock %v: %w", key, numerator.ErrLockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("lock %v: %w", key, ctx.Err())
	}
}

func (s *Store) release(t *memTx, key any) {
	if !t.holds(key) {
		return
	}
	delete(t.held, key)
	<-s.lockFor(key)
}

// commit publishes staged writes and releases every lock held by t.
func (s *Store) commit(t *memTx) {
	s.mu.Lock()
	for k, c := range t.writes {
		s.rows[k] = c
	}
	for k := range t.pruned {
		delete(s.receipts, k)
	}
	for k, r := range t.receipts {
		s.receipts[k] = r
	}
	s.mu.Unlock()
	s.releaseAll(t)
}

func (s *Store) rollback(t *memTx) {
	t.writes = make(map[numerator.Key]numerator.Counter)
	t.receipts = make(map[receiptKey]numerator.Receipt)
	t.pruned = make(map[receiptKey]struct{})
	s.releaseAll(t)
}

func (s *Store) releaseAll(t *memTx) {
	for k := range t.held {
		s.release(t, k)
	}
}

var (
	_ numerator.Store        = (*Store)(nil)
	_ numerator.ReceiptStore = (*Store)(nil)
)

type receiptKey struct {
	orgID      id.ID
	requestKey string
}

// FindReceipt implements numerator.ReceiptStore.
func (s *Store) FindReceipt(ctx context.Context, orgID id.ID, requestKey string) (*numerator.Receipt, error) {
	r, ok := s.visibleReceipt(getTx(ctx), receiptKey{orgID, requestKey})
	if !ok {
		return nil, numerator.ErrReceiptNotFound
	}
	return &r, nil
}

// RecordReceipt implements numerator.ReceiptStore.
// The request key stays locked until the transaction ends, so a concurrent
// writer of the same key waits and then fails with ErrReceiptExists, the way
// the receipts primary key behaves in PostgreSQL.
func (s *Store) RecordReceipt(ctx context.Context, r *numerator.Receipt) error {
	t := getTx(ctx)
	if t == nil {
		return errNoTransaction
	}
	if t.readOnly {
		return errReadOnly
	}

	k := receiptKey{r.OrganizationID, r.RequestKey}
	if err := s.acquire(ctx, t, k); err != nil {
		return err
	}
	if _, ok := s.visibleReceipt(t, k); ok {
		return fmt.Errorf("record receipt %q: %w", r.RequestKey, numerator.ErrReceiptExists)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	delete(t.pruned, k)
	t.receipts[k] = *r
	return nil
}

// DeleteReceiptsBefore implements numerator.ReceiptStore.
// Deletions are staged and applied when the transaction commits.
func (s *Store) DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	t := getTx(ctx)
	if t == nil {
		return 0, errNoTransaction
	}
	if t.readOnly {
		return 0, errReadOnly
	}

	var n int64
	for k, r := range t.receipts {
		if r.CreatedAt.Before(cutoff) {
			delete(t.receipts, k)
			t.pruned[k] = struct{}{}
			n++
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, r := range s.receipts {
		if _, staged := t.receipts[k]; staged {
			continue
		}
		if _, gone := t.pruned[k]; gone {
			continue
		}
		if r.CreatedAt.Before(cutoff) {
			t.pruned[k] = struct{}{}
			n++
		}
	}
	return n, nil
}

func (s *Store) visibleReceipt(t *memTx, k receiptKey) (numerator.Receipt, bool) {
	if t != nil {
		if r, ok := t.receipts[k]; ok {
			return r, true
		}
		if _, gone := t.pruned[k]; gone {
			return numerator.Receipt{}, false
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[k]
	return r, ok
}
