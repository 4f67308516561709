package numerator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faktura/internal/core/apperror"
	"faktura/internal/core/id"
	corenumerator "faktura/internal/core/numerator"
	"faktura/internal/core/tenant"
	"faktura/internal/infrastructure/storage/memory"
	"faktura/pkg/logger"
)

// fixedClock is a settable clock for year rollover tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)}
}

// hookStore lets a test intercept individual store calls.
type hookStore struct {
	corenumerator.Store
	create func(ctx context.Context, c *corenumerator.Counter) error
	save   func(ctx context.Context, c *corenumerator.Counter) error
}

func (h *hookStore) Create(ctx context.Context, c *corenumerator.Counter) error {
	if h.create != nil {
		return h.create(ctx, c)
	}
	return h.Store.Create(ctx, c)
}

func (h *hookStore) Save(ctx context.Context, c *corenumerator.Counter) error {
	if h.save != nil {
		return h.save(ctx, c)
	}
	return h.Store.Save(ctx, c)
}

type fixture struct {
	store *memory.Store
	txm   *memory.TxManager
	clock *fixedClock
}

func newFixture(opts ...memory.Option) *fixture {
	store := memory.New(opts...)
	return &fixture{
		store: store,
		txm:   memory.NewTxManager(store),
		clock: newClock(),
	}
}

func (f *fixture) service(store corenumerator.Store, prefixes corenumerator.PrefixSource, cfg corenumerator.Config) *Service {
	if store == nil {
		store = f.store
	}
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return New(f.txm, store, prefixes, cfg,
		WithClock(f.clock.Now),
		WithLogger(logger.NewNop()),
	)
}

func TestService_Next_Sequential(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	for i := 1; i <= 7; i++ {
		number, err := svc.Next(ctx, orgID)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("INV2026-%05d", i), number)
	}
}

func TestService_Next_UsesOrganizationPrefix(t *testing.T) {
	f := newFixture()
	orgID := id.New()
	prefixes := corenumerator.NewStaticPrefixes(map[id.ID]string{orgID: "FA"})
	svc := f.service(nil, prefixes, corenumerator.Config{})
	ctx := context.Background()

	require.NoError(t, f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		c := corenumerator.NewCounter(corenumerator.Key{OrganizationID: orgID, Year: 2026}, "FA")
		c.LastIssued = 5
		return f.store.Create(ctx, c)
	}))

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "FA2026-00006", number)
}

func TestService_Next_PrefixIsCapturedPerYear(t *testing.T) {
	f := newFixture()
	orgID := id.New()
	prefixes := corenumerator.NewStaticPrefixes(map[id.ID]string{orgID: "FA"})
	svc := f.service(nil, prefixes, corenumerator.Config{})
	ctx := context.Background()

	first, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "FA2026-00001", first)

	prefixes.Set(orgID, "RE")
	second, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "FA2026-00002", second, "existing counter keeps its prefix")

	f.clock.Set(time.Date(2027, time.January, 1, 0, 0, 1, 0, time.UTC))
	third, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "RE2027-00001", third)
}

func TestService_Next_InvalidPrefix(t *testing.T) {
	f := newFixture()
	orgID := id.New()
	prefixes := corenumerator.NewStaticPrefixes(map[id.ID]string{orgID: "F1"})
	svc := f.service(nil, prefixes, corenumerator.Config{})

	_, err := svc.Next(context.Background(), orgID)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
	assert.False(t, apperror.IsRetryable(err))

	history, err := svc.History(context.Background(), orgID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_Next_Concurrent(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{MaxAttempts: 20})
	ctx := context.Background()
	orgID := id.New()

	const workers = 25
	const perWorker = 8

	var wg sync.WaitGroup
	results := make(chan string, workers*perWorker)
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				number, err := svc.Next(ctx, orgID)
				if err != nil {
					errs <- err
					continue
				}
				results <- number
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected allocation error: %v", err)
	}

	seen := make(map[int64]bool)
	for number := range results {
		p, err := corenumerator.Parse(number)
		require.NoError(t, err)
		assert.Equal(t, 2026, p.Year)
		assert.False(t, seen[p.Sequence], "duplicate %s", number)
		seen[p.Sequence] = true
	}

	require.Len(t, seen, workers*perWorker)
	for i := int64(1); i <= workers*perWorker; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestService_Next_FirstCreationRace(t *testing.T) {
	f := newFixture()
	var creates atomic.Int32
	store := &hookStore{Store: f.store}
	store.create = func(ctx context.Context, c *corenumerator.Counter) error {
		if creates.Add(1) == 1 {
			// Another process inserts the row between our lookup and insert.
			go func() {
				_ = f.txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
					return f.store.Create(ctx, corenumerator.NewCounter(c.Key(), "INV"))
				})
			}()
			time.Sleep(10 * time.Millisecond)
		}
		return f.store.Create(ctx, c)
	}
	svc := f.service(store, nil, corenumerator.Config{})

	number, err := svc.Next(context.Background(), id.New())
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00001", number)
	assert.Equal(t, int32(1), creates.Load(), "second attempt finds the row and only locks it")
}

func TestService_Next_RetriesLostCreationRace(t *testing.T) {
	f := newFixture()
	var creates atomic.Int32
	store := &hookStore{Store: f.store}
	store.create = func(ctx context.Context, c *corenumerator.Counter) error {
		if creates.Add(1) < 3 {
			return fmt.Errorf("insert: %w", corenumerator.ErrCounterExists)
		}
		return f.store.Create(ctx, c)
	}
	svc := f.service(store, nil, corenumerator.Config{MaxAttempts: 5})

	number, err := svc.Next(context.Background(), id.New())
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00001", number)
	assert.Equal(t, int32(3), creates.Load())
}

func TestService_Next_ContentionExhausted(t *testing.T) {
	f := newFixture()
	var creates atomic.Int32
	store := &hookStore{Store: f.store}
	store.create = func(context.Context, *corenumerator.Counter) error {
		creates.Add(1)
		return corenumerator.ErrCounterExists
	}
	svc := f.service(store, nil, corenumerator.Config{MaxAttempts: 3})

	_, err := svc.Next(context.Background(), id.New())
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeSequenceContention))
	assert.True(t, apperror.IsRetryable(err))
	assert.ErrorIs(t, err, corenumerator.ErrCounterExists)
	assert.Equal(t, int32(3), creates.Load())
}

func TestService_Next_YearRollover(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	f.clock.Set(time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC))
	for i := 0; i < 3; i++ {
		_, err := svc.Next(ctx, orgID)
		require.NoError(t, err)
	}

	f.clock.Set(time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC))
	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2027-00001", number)

	history, err := svc.History(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2026, history[0].Year)
	assert.Equal(t, int64(3), history[0].LastIssued)
	assert.Equal(t, 2027, history[1].Year)
	assert.Equal(t, int64(1), history[1].LastIssued)
}

func TestService_Next_YearFollowsConfiguredLocation(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{Location: time.FixedZone("CET", 3600)})

	f.clock.Set(time.Date(2026, time.December, 31, 23, 30, 0, 0, time.UTC))
	number, err := svc.Next(context.Background(), id.New())
	require.NoError(t, err)
	assert.Equal(t, "INV2027-00001", number)
}

func TestService_Next_OrganizationsAreIndependent(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgA, orgB := id.New(), id.New()

	for i := 0; i < 4; i++ {
		_, err := svc.Next(ctx, orgA)
		require.NoError(t, err)
	}

	number, err := svc.Next(ctx, orgB)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00001", number)

	number, err = svc.Next(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00005", number)
}

func TestService_Next_LockedOrganizationDoesNotBlockOthers(t *testing.T) {
	f := newFixture(memory.WithLockTimeout(50 * time.Millisecond))
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgA, orgB := id.New(), id.New()

	err := f.txm.RunInTransaction(ctx, func(txCtx context.Context) error {
		number, err := svc.Next(txCtx, orgA)
		require.NoError(t, err)
		assert.Equal(t, "INV2026-00001", number)

		// orgA stays locked until this transaction ends.
		_, err = svc.Next(ctx, orgA)
		assert.True(t, apperror.HasCode(err, apperror.CodeLockTimeout))

		for i := 1; i <= 3; i++ {
			number, err := svc.Next(ctx, orgB)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("INV2026-%05d", i), number)
		}
		return nil
	})
	require.NoError(t, err)

	a, err := f.store.Get(ctx, corenumerator.Key{OrganizationID: orgA, Year: 2026})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.LastIssued)

	b, err := f.store.Get(ctx, corenumerator.Key{OrganizationID: orgB, Year: 2026})
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.LastIssued)

	number, err := svc.Next(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00002", number)
}

func TestService_Next_OrganizationsAllocateConcurrently(t *testing.T) {
	f := newFixture(memory.WithLockTimeout(time.Second))
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()

	const orgs = 6
	const perOrg = 20
	ids := make([]id.ID, orgs)
	for i := range ids {
		ids[i] = id.New()
	}

	var wg sync.WaitGroup
	errs := make(chan error, orgs*perOrg)
	for _, orgID := range ids {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(orgID id.ID) {
				defer wg.Done()
				for i := 0; i < perOrg/2; i++ {
					if _, err := svc.Next(ctx, orgID); err != nil {
						errs <- err
					}
				}
			}(orgID)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("allocation failed: %v", err)
	}
	for _, orgID := range ids {
		c, err := f.store.Get(ctx, corenumerator.Key{OrganizationID: orgID, Year: 2026})
		require.NoError(t, err)
		assert.Equal(t, int64(perOrg), c.LastIssued)
	}
}

func TestService_Next_RolledBackWithCallerTransaction(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	_, err := svc.Next(ctx, orgID)
	require.NoError(t, err)

	invoiceFailed := errors.New("invoice insert failed")
	err = f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		number, err := svc.Next(ctx, orgID)
		require.NoError(t, err)
		assert.Equal(t, "INV2026-00002", number)
		return invoiceFailed
	})
	require.ErrorIs(t, err, invoiceFailed)

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00002", number, "aborted allocation leaves no gap")
}

func TestService_Next_FailedSaveIssuesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	orgID := id.New()

	_, err := f.service(nil, nil, corenumerator.Config{}).Next(ctx, orgID)
	require.NoError(t, err)

	broken := &hookStore{Store: f.store}
	broken.save = func(context.Context, *corenumerator.Counter) error {
		return fmt.Errorf("save: %w: connection reset by peer", corenumerator.ErrUnavailable)
	}
	_, err = f.service(broken, nil, corenumerator.Config{}).Next(ctx, orgID)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeDatabase))
	assert.True(t, apperror.IsRetryable(err))

	broken.save = func(context.Context, *corenumerator.Counter) error {
		return errors.New("save: violates check constraint \"invoice_sequences_last_issued_check\"")
	}
	_, err = f.service(broken, nil, corenumerator.Config{}).Next(ctx, orgID)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeDatabase))
	assert.False(t, apperror.IsRetryable(err), "permanent store errors are not retryable")

	number, err := f.service(nil, nil, corenumerator.Config{}).Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00002", number)
}

func TestService_Next_LockTimeout(t *testing.T) {
	f := newFixture(memory.WithLockTimeout(20 * time.Millisecond))
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	_, err := svc.Next(ctx, orgID)
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := f.store.FindAndLock(ctx, corenumerator.Key{OrganizationID: orgID, Year: 2026}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	_, err = svc.Next(ctx, orgID)
	close(release)
	<-done

	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeLockTimeout))
	assert.True(t, apperror.IsRetryable(err))

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00002", number)
}

func TestService_Next_CancelledContext(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Next(ctx, id.New())
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeTimeout))
}

func TestService_TenantRequired(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()

	_, err := svc.Next(ctx, id.ID{})
	assert.True(t, apperror.HasCode(err, apperror.CodeTenantRequired))
	assert.False(t, apperror.IsRetryable(err))

	_, err = svc.NextFromContext(ctx)
	assert.True(t, apperror.HasCode(err, apperror.CodeTenantRequired))
	assert.ErrorIs(t, err, tenant.ErrNoTenantInContext)

	orgID := id.New()
	number, err := svc.NextFromContext(tenant.WithOrganization(ctx, orgID))
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00001", number)
}

func TestService_NextFromContext_CustomResolver(t *testing.T) {
	f := newFixture()
	orgID := id.New()
	svc := New(f.txm, f.store, nil, corenumerator.Config{DefaultPrefix: "RE"},
		WithClock(f.clock.Now),
		WithLogger(logger.NewNop()),
		WithResolver(tenant.ResolverFunc(func(context.Context) (id.ID, error) { return orgID, nil })),
	)

	number, err := svc.NextFromContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RE2026-00001", number)
}

func TestService_Peek(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	number, err := svc.Peek(ctx, orgID, 0)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00001", number)

	number, err = svc.Peek(ctx, orgID, 0)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00001", number, "peek allocates nothing")

	_, err = svc.Next(ctx, orgID)
	require.NoError(t, err)

	number, err = svc.Peek(ctx, orgID, 2026)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00002", number)

	number, err = svc.Peek(ctx, orgID, 2025)
	require.NoError(t, err)
	assert.Equal(t, "INV2025-00001", number)

	_, err = svc.Peek(ctx, orgID, 99)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestService_Seed(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	c, err := svc.Seed(ctx, orgID, 2026, 41)
	require.NoError(t, err)
	assert.Equal(t, int64(41), c.LastIssued)
	assert.Equal(t, "INV", c.Prefix)

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00042", number)

	number, err = svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00043", number)
}

func TestService_Seed_CurrentYearDefault(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	c, err := svc.Seed(ctx, orgID, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, 2026, c.Year)

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00008", number)
}

func TestService_Seed_NeverSkipsIssuedNumbers(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	for i := 0; i < 2; i++ {
		_, err := svc.Next(ctx, orgID)
		require.NoError(t, err)
	}

	for _, value := range []int64{1, 2, 500} {
		_, err := svc.Seed(ctx, orgID, 2026, value)
		assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "seed %d over a live counter", value)
		assert.False(t, apperror.IsRetryable(err))
	}

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00003", number)
}

func TestService_Seed_RejectsOtherYears(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	c, err := svc.Seed(ctx, orgID, 2026, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), c.LastIssued)

	f.clock.Set(time.Date(2027, time.February, 1, 9, 0, 0, 0, time.UTC))

	_, err = svc.Seed(ctx, orgID, 2026, 900)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "past years are closed")

	_, err = svc.Seed(ctx, orgID, 2031, 7)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "future years are created lazily")

	history, err := svc.History(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2026, history[0].Year)
	assert.Equal(t, int64(10), history[0].LastIssued)
}

func TestService_Seed_Validation(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()

	for _, value := range []int64{0, -1} {
		_, err := svc.Seed(ctx, id.New(), 2026, value)
		assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "value %d", value)
	}

	_, err := svc.Seed(ctx, id.ID{}, 2026, 5)
	assert.True(t, apperror.HasCode(err, apperror.CodeTenantRequired))
}

func TestService_History(t *testing.T) {
	f := newFixture()
	svc := f.service(nil, nil, corenumerator.Config{})
	ctx := context.Background()
	orgID := id.New()

	_, err := svc.History(ctx, id.ID{})
	assert.True(t, apperror.HasCode(err, apperror.CodeTenantRequired))

	f.clock.Set(time.Date(2024, time.June, 3, 8, 0, 0, 0, time.UTC))
	_, err = svc.Seed(ctx, orgID, 2024, 811)
	require.NoError(t, err)
	_, err = svc.Next(ctx, orgID)
	require.NoError(t, err)

	f.clock.Set(time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC))
	_, err = svc.Next(ctx, orgID)
	require.NoError(t, err)
	_, err = svc.Next(ctx, id.New())
	require.NoError(t, err)

	history, err := svc.History(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "INV2024-00812", history[0].Number())
	assert.Equal(t, "INV2026-00001", history[1].Number())
}
