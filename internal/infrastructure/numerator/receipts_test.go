package numerator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faktura/internal/core/apperror"
	"faktura/internal/core/id"
	corenumerator "faktura/internal/core/numerator"
	"faktura/internal/infrastructure/storage/memory"
	"faktura/pkg/logger"
)

func (f *fixture) keyedService() *Service {
	return New(f.txm, f.store, nil, corenumerator.Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		MaxAttempts:          10,
	},
		WithClock(f.clock.Now),
		WithReceipts(f.store),
		WithLogger(logger.NewNop()),
	)
}

func TestService_NextWithKey_Replay(t *testing.T) {
	f := newFixture()
	svc := f.keyedService()
	ctx := context.Background()
	orgID := id.New()

	number, replayed, err := svc.NextWithKey(ctx, orgID, "req-1")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "INV2026-00001", number)

	number, replayed, err = svc.NextWithKey(ctx, orgID, "req-1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "INV2026-00001", number)

	number, replayed, err = svc.NextWithKey(ctx, orgID, "req-2")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "INV2026-00002", number)

	// Keys are per organization.
	number, replayed, err = svc.NextWithKey(ctx, id.New(), "req-1")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "INV2026-00001", number)

	number, err = svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00003", number)
}

func TestService_NextWithKey_ConcurrentSameKey(t *testing.T) {
	f := newFixture()
	svc := f.keyedService()
	ctx := context.Background()
	orgID := id.New()

	const callers = 12
	var wg sync.WaitGroup
	numbers := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			numbers[i], _, errs[i] = svc.NextWithKey(ctx, orgID, "same")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "INV2026-00001", numbers[i])
	}

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2026-00002", number, "replays must not consume numbers")
}

func TestService_NextWithKey_RolledBackWithCallerTransaction(t *testing.T) {
	f := newFixture()
	svc := f.keyedService()
	ctx := context.Background()
	orgID := id.New()

	failed := errors.New("invoice insert failed")
	err := f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		number, _, err := svc.NextWithKey(ctx, orgID, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "INV2026-00001", number)
		return failed
	})
	require.ErrorIs(t, err, failed)

	_, err = f.store.FindReceipt(ctx, orgID, "req-1")
	assert.ErrorIs(t, err, corenumerator.ErrReceiptNotFound)

	number, replayed, err := svc.NextWithKey(ctx, orgID, "req-1")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "INV2026-00001", number)
}

func TestService_NextWithKey_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	plain := f.service(nil, nil, corenumerator.Config{})
	_, _, err := plain.NextWithKey(ctx, id.New(), "req-1")
	assert.True(t, apperror.HasCode(err, apperror.CodeInternal))

	svc := f.keyedService()
	for _, key := range []string{"", "has space", string(make([]byte, corenumerator.MaxRequestKeyLength+1))} {
		_, _, err := svc.NextWithKey(ctx, id.New(), key)
		assert.True(t, apperror.HasCode(err, apperror.CodeValidation), "key %q", key)
	}

	_, _, err = svc.NextWithKey(ctx, id.ID{}, "req-1")
	assert.True(t, apperror.HasCode(err, apperror.CodeTenantRequired))
}

func TestService_PruneReceipts(t *testing.T) {
	clock := newClock()
	store := memory.New(memory.WithClock(clock.Now))
	f := &fixture{store: store, txm: memory.NewTxManager(store), clock: clock}
	svc := f.keyedService()
	ctx := context.Background()
	orgID := id.New()

	_, _, err := svc.NextWithKey(ctx, orgID, "old")
	require.NoError(t, err)

	clock.Set(clock.Now().Add(48 * time.Hour))
	_, _, err = svc.NextWithKey(ctx, orgID, "new")
	require.NoError(t, err)

	_, err = svc.PruneReceipts(ctx, 0)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	n, err := svc.PruneReceipts(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	number, replayed, err := svc.NextWithKey(ctx, orgID, "old")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "INV2026-00003", number)

	number, replayed, err = svc.NextWithKey(ctx, orgID, "new")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "INV2026-00002", number)
}

func TestService_NextWithKey_SameKeyAcrossYearBoundary(t *testing.T) {
	f := newFixture()
	svc := f.keyedService()
	ctx := context.Background()
	orgID := id.New()
	f.clock.Set(time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC))

	recorded := make(chan struct{})
	finish := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			number, _, err := svc.NextWithKey(ctx, orgID, "order-9")
			if err != nil {
				return err
			}
			assert.Equal(t, "INV2026-00001", number)
			close(recorded)
			<-finish
			return nil
		})
	}()
	<-recorded

	f.clock.Set(time.Date(2027, time.January, 1, 0, 0, 1, 0, time.UTC))
	type result struct {
		number   string
		replayed bool
		err      error
	}
	second := make(chan result, 1)
	go func() {
		number, replayed, err := svc.NextWithKey(ctx, orgID, "order-9")
		second <- result{number, replayed, err}
	}()

	select {
	case r := <-second:
		t.Fatalf("second caller should wait for the first to finish, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-firstDone)

	r := <-second
	require.NoError(t, r.err)
	assert.True(t, r.replayed)
	assert.Equal(t, "INV2026-00001", r.number)

	history, err := svc.History(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, history, 1, "the 2027 counter of the losing attempt was rolled back")
	assert.Equal(t, 2026, history[0].Year)

	number, err := svc.Next(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "INV2027-00001", number)
}
