// Package numerator implements gapless invoice numbering on top of a
// numerator.Store and the transaction manager of the same backend.
//
// Every allocation is one locked read-modify-write of the (organization, year)
// counter row. The only expected contention across transactions is the race to
// create the first row of a year; the loser retries the whole attempt.
package numerator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"faktura/internal/core/apperror"
	"faktura/internal/core/id"
	corenumerator "faktura/internal/core/numerator"
	"faktura/internal/core/tenant"
	"faktura/internal/core/tx"
	"faktura/pkg/logger"
)

var tracer = otel.Tracer("faktura/numerator")

// Service allocates invoice numbers.
type Service struct {
	txm      tx.Manager
	store    corenumerator.Store
	prefixes corenumerator.PrefixSource
	receipts corenumerator.ReceiptStore
	resolver tenant.Resolver
	cfg      corenumerator.Config
	now      func() time.Time
	log      *logger.Logger
}

// Ensure compile-time interface compliance.
var _ corenumerator.Generator = (*Service)(nil)

// Option configures Service.
type Option func(*Service)

// WithClock overrides the service clock. The year of every allocation comes from it.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithResolver sets the resolver used by NextFromContext.
func WithResolver(r tenant.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithReceipts enables NextWithKey. receipts must belong to the same backend as the store.
func WithReceipts(r corenumerator.ReceiptStore) Option {
	return func(s *Service) { s.receipts = r }
}

// WithLogger sets the service logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l.WithComponent("numerator") }
}

// New creates a numbering service.
// txm must be the transaction manager of the backend store belongs to.
// prefixes may be nil, in which case cfg.DefaultPrefix is used for every organization.
func New(txm tx.Manager, store corenumerator.Store, prefixes corenumerator.PrefixSource, cfg corenumerator.Config, opts ...Option) *Service {
	defaults := corenumerator.DefaultConfig()
	if cfg.DefaultPrefix == "" {
		cfg.DefaultPrefix = defaults.DefaultPrefix
	}
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = cfg.RetryInitialInterval
	}

	s := &Service{
		txm:      txm,
		store:    store,
		prefixes: prefixes,
		resolver: tenant.ContextResolver{},
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Default().WithComponent("numerator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextFromContext allocates the next number for the organization bound to ctx.
func (s *Service) NextFromContext(ctx context.Context) (string, error) {
	if s == nil {
		return "", fmt.Errorf("numerator service is not initialized")
	}

	orgID, err := s.resolver.CurrentOrganization(ctx)
	if err != nil {
		return "", apperror.NewTenantRequired().WithCause(err)
	}
	return s.Next(ctx, orgID)
}

// Next allocates the next number of orgID for the current calendar year.
// Pattern: PREFIXYEAR-XXXXX (e.g., FA2026-00006)
//
// When ctx already carries a transaction of the same backend, the allocation
// runs inside it (under a savepoint) and is undone if that transaction rolls back.
func (s *Service) Next(ctx context.Context, orgID id.ID) (string, error) {
	if s == nil {
		return "", fmt.Errorf("numerator service is not initialized")
	}
	number, _, err := s.issue(ctx, orgID, "")
	return number, err
}

// NextWithKey is Next for clients that may repeat a request. The first call
// with a request key allocates a number and records it under the key in the
// same transaction; later calls with that key return the recorded number and
// replayed=true without allocating. Keys are scoped to the organization.
func (s *Service) NextWithKey(ctx context.Context, orgID id.ID, requestKey string) (number string, replayed bool, err error) {
	if s == nil {
		return "", false, fmt.Errorf("numerator service is not initialized")
	}
	if s.receipts == nil {
		return "", false, apperror.NewInternal(errors.New("request receipts are not configured"))
	}
	if err := corenumerator.ValidateRequestKey(requestKey); err != nil {
		return "", false, apperror.NewValidation(err.Error())
	}
	return s.issue(ctx, orgID, requestKey)
}

// PruneReceipts forgets request keys older than maxAge. Issued numbers and
// counters stay untouched; a pruned key allocates a fresh number if reused.
func (s *Service) PruneReceipts(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s.receipts == nil {
		return 0, apperror.NewInternal(errors.New("request receipts are not configured"))
	}
	if maxAge <= 0 {
		return 0, apperror.NewValidation("receipt age must be positive").WithDetail("max_age", maxAge.String())
	}

	var n int64
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		deleted, err := s.receipts.DeleteReceiptsBefore(ctx, s.now().Add(-maxAge))
		n = deleted
		return err
	})
	if err != nil {
		return 0, storageError(err)
	}

	s.log.WithContext(ctx).Infow("receipts pruned", "deleted", n, "max_age", maxAge.String())
	return n, nil
}

func (s *Service) issue(ctx context.Context, orgID id.ID, requestKey string) (string, bool, error) {
	key, err := s.key(orgID, 0)
	if err != nil {
		return "", false, err
	}

	ctx, span := tracer.Start(ctx, "numerator.next",
		trace.WithAttributes(
			attribute.String("organization_id", orgID.String()),
			attribute.Int("year", key.Year),
			attribute.Bool("keyed", requestKey != ""),
		))
	defer span.End()

	var (
		number   string
		sequence int64
		replayed bool
	)
	attempts, err := s.retry(ctx, key, func(ctx context.Context) error {
		return s.runAttempt(ctx, func(ctx context.Context) error {
			if requestKey != "" {
				r, err := s.receipts.FindReceipt(ctx, orgID, requestKey)
				switch {
				case err == nil:
					number, sequence, replayed = r.Number, r.Sequence, true
					return nil
				case !errors.Is(err, corenumerator.ErrReceiptNotFound):
					return fmt.Errorf("find receipt: %w", err)
				}
			}

			c, err := s.increment(ctx, key)
			if err != nil {
				return err
			}

			if requestKey != "" {
				r := &corenumerator.Receipt{
					OrganizationID: orgID,
					RequestKey:     requestKey,
					Year:           c.Year,
					Sequence:       c.LastIssued,
					Number:         c.Number(),
					CreatedAt:      s.now().UTC(),
				}
				if err := s.receipts.RecordReceipt(ctx, r); err != nil {
					return fmt.Errorf("record receipt: %w", err)
				}
			}
			number, sequence, replayed = c.Number(), c.LastIssued, false
			return nil
		})
	})
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Bool("replayed", replayed))
	if err != nil {
		appErr := s.classify(err, key, attempts)
		span.RecordError(appErr)
		span.SetStatus(codes.Error, appErr.Code)
		s.log.WithContext(ctx).Warnw("sequence allocation failed",
			"organization_id", orgID,
			"year", key.Year,
			"attempts", attempts,
			"code", appErr.Code,
			"error", err,
		)
		return "", false, appErr
	}

	s.log.WithContext(ctx).Debugw("sequence allocated",
		"organization_id", orgID,
		"year", key.Year,
		"sequence", sequence,
		"number", number,
		"replayed", replayed,
	)
	return number, replayed, nil
}

// Peek returns the number the next allocation for (orgID, year) would receive.
// It allocates nothing and takes no lock, so the answer can be stale by the
// time it is used. Year 0 means the current year.
func (s *Service) Peek(ctx context.Context, orgID id.ID, year int) (string, error) {
	key, err := s.key(orgID, year)
	if err != nil {
		return "", err
	}

	var number string
	err = s.readOnly(ctx, func(ctx context.Context) error {
		c, err := s.store.Get(ctx, key)
		switch {
		case err == nil:
			number = corenumerator.Format(c.Prefix, c.Year, c.Next())
			return nil
		case errors.Is(err, corenumerator.ErrCounterNotFound):
			prefix, err := s.prefix(ctx, orgID)
			if err != nil {
				return err
			}
			number = corenumerator.Format(prefix, key.Year, 1)
			return nil
		default:
			return fmt.Errorf("get %s: %w", key, err)
		}
	})
	if err != nil {
		return "", s.classify(err, key, 1)
	}
	return number, nil
}

// Seed starts the current year's counter of orgID at lastIssued, so the next
// allocation returns lastIssued+1. Used when taking over numbering from another
// system mid-year. Only a counter that has issued nothing yet can be seeded:
// raising a live counter would skip numbers, and past years are closed.
// Year 0 means the current year.
func (s *Service) Seed(ctx context.Context, orgID id.ID, year int, lastIssued int64) (*corenumerator.Counter, error) {
	key, err := s.key(orgID, year)
	if err != nil {
		return nil, err
	}
	if current := s.currentYear(); key.Year != current {
		return nil, apperror.NewValidation("only the current year can be seeded").
			WithDetail("year", key.Year).
			WithDetail("current_year", current)
	}
	if lastIssued < 1 {
		return nil, apperror.NewValidation("last issued value must be positive").
			WithDetail("value", lastIssued)
	}

	var counter *corenumerator.Counter
	attempts, err := s.retry(ctx, key, func(ctx context.Context) error {
		return s.runAttempt(ctx, func(ctx context.Context) error {
			c, err := s.store.FindAndLock(ctx, key)
			switch {
			case errors.Is(err, corenumerator.ErrCounterNotFound):
				c, err = s.create(ctx, key, lastIssued)
				if err != nil {
					return err
				}
			case err != nil:
				return fmt.Errorf("find and lock %s: %w", key, err)
			case c.LastIssued != 0:
				return apperror.NewValidation("sequence has already issued numbers").
					WithDetail("last_issued", c.LastIssued).
					WithDetail("requested", lastIssued)
			default:
				c.LastIssued = lastIssued
				if err := s.store.Save(ctx, c); err != nil {
					return fmt.Errorf("save %s: %w", key, err)
				}
			}
			counter = c
			return nil
		})
	})
	if err != nil {
		return nil, s.classify(err, key, attempts)
	}

	s.log.WithContext(ctx).Infow("sequence seeded",
		"organization_id", orgID,
		"year", key.Year,
		"last_issued", counter.LastIssued,
	)
	return counter, nil
}

// History returns every counter of the organization ordered by year.
func (s *Service) History(ctx context.Context, orgID id.ID) ([]*corenumerator.Counter, error) {
	if id.IsNil(orgID) {
		return nil, apperror.NewTenantRequired()
	}

	var counters []*corenumerator.Counter
	err := s.readOnly(ctx, func(ctx context.Context) error {
		list, err := s.store.ListByOrganization(ctx, orgID)
		if err != nil {
			return fmt.Errorf("list sequences: %w", err)
		}
		counters = list
		return nil
	})
	if err != nil {
		return nil, s.classify(err, corenumerator.Key{OrganizationID: orgID}, 1)
	}
	return counters, nil
}

// increment advances the counter of key by one inside the current attempt.
func (s *Service) increment(ctx context.Context, key corenumerator.Key) (*corenumerator.Counter, error) {
	c, err := s.store.FindAndLock(ctx, key)
	switch {
	case errors.Is(err, corenumerator.ErrCounterNotFound):
		if c, err = s.create(ctx, key, 0); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("find and lock %s: %w", key, err)
	}

	c.Increment()
	if err := s.store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save %s: %w", key, err)
	}
	return c, nil
}

// create inserts the counter of key starting at lastIssued.
// ErrCounterExists signals a lost creation race.
func (s *Service) create(ctx context.Context, key corenumerator.Key, lastIssued int64) (*corenumerator.Counter, error) {
	prefix, err := s.prefix(ctx, key.OrganizationID)
	if err != nil {
		return nil, err
	}

	c := corenumerator.NewCounter(key, prefix)
	c.LastIssued = lastIssued
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	return c, nil
}

// prefix returns the organization prefix or the configured default.
func (s *Service) prefix(ctx context.Context, orgID id.ID) (string, error) {
	prefix := ""
	if s.prefixes != nil {
		p, err := s.prefixes.Prefix(ctx, orgID)
		if err != nil {
			return "", fmt.Errorf("resolve prefix: %w", err)
		}
		prefix = p
	}
	if prefix == "" {
		prefix = s.cfg.DefaultPrefix
	}
	if err := corenumerator.ValidatePrefix(prefix); err != nil {
		return "", apperror.NewValidation(err.Error()).WithDetail("organization_id", orgID.String())
	}
	return prefix, nil
}

// runAttempt isolates one attempt so a lost creation race can be rolled back
// without aborting a caller's surrounding transaction.
func (s *Service) runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if sp, ok := s.txm.(tx.SavepointManager); ok {
		return sp.RunInSavepoint(ctx, fn)
	}
	return s.txm.RunInTransaction(ctx, fn)
}

// retry repeats fn while it loses the race to create a counter or a receipt,
// at most MaxAttempts times. Any other error stops the loop immediately.
func (s *Service) retry(ctx context.Context, key corenumerator.Key, fn func(ctx context.Context) error) (int, error) {
	attempts := 0

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryInitialInterval
	eb.MaxInterval = s.cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRace(err) {
			s.log.WithContext(ctx).Infow("lost creation race, retrying",
				"organization_id", key.OrganizationID,
				"year", key.Year,
				"attempt", attempts,
			)
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	return attempts, err
}

// classify turns store and driver errors into the caller-facing taxonomy.
func (s *Service) classify(err error, key corenumerator.Key, attempts int) *apperror.AppError {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr
	}

	var appErr *apperror.AppError
	if isRace(err) {
		appErr = apperror.NewSequenceContention(attempts, err)
	} else {
		appErr = storageError(err)
	}
	return appErr.
		WithDetail("organization_id", key.OrganizationID.String()).
		WithDetail("year", key.Year)
}

// storageError classifies a failed store call. Only failures the store marked
// as transient are retryable.
func storageError(err error) *apperror.AppError {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, corenumerator.ErrLockTimeout):
		return apperror.NewLockTimeout(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperror.NewTimeout(err)
	case errors.Is(err, corenumerator.ErrUnavailable):
		return apperror.NewUnavailable(err)
	default:
		return apperror.NewDatabase(err)
	}
}

func isRace(err error) bool {
	return errors.Is(err, corenumerator.ErrCounterExists) || errors.Is(err, corenumerator.ErrReceiptExists)
}

func (s *Service) key(orgID id.ID, year int) (corenumerator.Key, error) {
	if id.IsNil(orgID) {
		return corenumerator.Key{}, apperror.NewTenantRequired()
	}
	if year == 0 {
		year = s.currentYear()
	}
	key := corenumerator.Key{OrganizationID: orgID, Year: year}
	if err := key.Validate(); err != nil {
		return corenumerator.Key{}, apperror.NewValidation(err.Error())
	}
	return key, nil
}

func (s *Service) readOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	if ro, ok := s.txm.(tx.ReadOnlyManager); ok {
		return ro.ReadOnly(ctx, fn)
	}
	return s.txm.RunInTransaction(ctx, fn)
}

func (s *Service) currentYear() int {
	return s.now().In(s.cfg.Location).Year()
}
