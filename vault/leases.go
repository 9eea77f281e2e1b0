package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ryanuber/go-glob"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// Default lease handling values.
const (
	// DefaultRenewBlur is the leeway in seconds applied when checking
	// validity after a renewal, accounting for request latency.
	DefaultRenewBlur = 2

	// DefaultRevokeDelay is the delay in seconds granted before an
	// undercut lease is revoked server-side.
	DefaultRevokeDelay = 60
)

// LeaseGetOptions tunes LeaseStore.Get. The zero value renews with the
// server's default increment, applies DefaultRenewBlur and revokes
// undercut leases after DefaultRevokeDelay.
type LeaseGetOptions struct {
	// NoRenew disables renewal attempts for undercut leases.
	NoRenew bool

	// RenewIncrement requests this validity on renewal. Zero lets the
	// server choose; the two-step fallback then applies.
	RenewIncrement int64

	// RenewBlur overrides the post-renewal validity leeway. Zero applies
	// DefaultRenewBlur.
	RenewBlur int64

	// RevokeDelay overrides the revocation delay for undercut leases.
	// Zero applies DefaultRevokeDelay.
	RevokeDelay int64

	// NoRevoke leaves undercut leases to server-side expiry.
	NoRevoke bool

	// NoFlush keeps undercut cache entries instead of flushing them.
	NoFlush bool
}

func (o *LeaseGetOptions) renewBlur() int64 {
	if o == nil || o.RenewBlur <= 0 {
		return DefaultRenewBlur
	}
	return o.RenewBlur
}

func (o *LeaseGetOptions) revokeDelay() int64 {
	if o == nil || o.RevokeDelay <= 0 {
		return DefaultRevokeDelay
	}
	return o.RevokeDelay
}

// LeaseStore manages dynamic-secret leases: cached retrieval with
// renew-or-revoke semantics and bulk operations by key glob.
type LeaseStore struct {
	client *AuthenticatedClient
	cache  *LeaseCache
	events EventSink
	logger observability.Logger
}

// NewLeaseStore creates a lease store. events may be nil.
func NewLeaseStore(client *AuthenticatedClient, cache *LeaseCache, events EventSink, logger observability.Logger) *LeaseStore {
	if events == nil {
		events = NopSink{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LeaseStore{client: client, cache: cache, events: events, logger: logger}
}

// Get returns the cached lease under key if it is (or can be renewed to
// be) valid for at least validFor seconds. Renewal first uses the
// requested or server-default increment; if the result still undercuts
// validFor and no explicit increment was given, a second renewal
// requests exactly validFor. A lease that cannot be stretched far
// enough is revoked after a delay and flushed, so undercut leases do
// not linger locally or server-side.
func (s *LeaseStore) Get(ctx context.Context, key string, validFor int64, opts *LeaseGetOptions) (*Lease, error) {
	if opts != nil && opts.RenewIncrement > 0 && validFor > opts.RenewIncrement {
		return nil, fmt.Errorf("%w: renew_increment must be at least valid_for", ErrInvocation)
	}
	blur := opts.renewBlur()
	flush := opts == nil || !opts.NoFlush

	// Renewals can stretch a lease, so the cache lookup only rejects
	// leases that are already expired.
	lease, err := s.cache.Get(ctx, key, 0, 0, flush)
	if err != nil || lease == nil {
		return nil, err
	}
	if lease.IsValidFor(validFor, 0) {
		return lease, nil
	}
	if opts != nil && opts.NoRenew {
		return nil, s.dropUndercut(ctx, key, lease, validFor, opts, flush)
	}

	increment := int64(0)
	if opts != nil {
		increment = opts.RenewIncrement
	}
	if increment == 0 {
		increment = lease.RenewIncrement
	}
	renewed, err := s.renewInto(ctx, lease, increment)
	if err != nil {
		return nil, err
	}
	if !renewed.IsValidFor(validFor, blur) {
		if opts != nil && opts.RenewIncrement > 0 {
			// The explicit increment was not honored; valid_for cannot
			// possibly be respected.
			return nil, s.dropUndercut(ctx, key, renewed, validFor, opts, flush)
		}
		// The default validity period may simply be shorter than
		// valid_for, so ask for exactly that much.
		renewed, err = s.renewInto(ctx, renewed, validFor)
		if err != nil {
			return nil, err
		}
		if !renewed.IsValidFor(validFor, blur) {
			return nil, s.dropUndercut(ctx, key, renewed, validFor, opts, flush)
		}
	}
	if err := s.cache.Store(ctx, key, renewed); err != nil {
		return nil, err
	}
	return renewed, nil
}

// renewInto renews a lease and derives the updated copy. A lease the
// server no longer knows or refuses yields the unchanged input, letting
// the caller's validity check handle it.
func (s *LeaseStore) renewInto(ctx context.Context, lease *Lease, increment int64) (*Lease, error) {
	ret, err := s.Renew(ctx, lease.ID, increment)
	if err != nil {
		if IsNotFound(err) || IsPermissionDenied(err) {
			ret = map[string]any{}
		} else {
			return nil, err
		}
	}
	// Never overwrite the payload of a renewed lease.
	delete(ret, "data")
	return lease.WithRenewed(ret)
}

// dropUndercut handles a lease that fell short of valid_for: emits an
// expiry event with the shortfall, revokes the lease after a delay
// unless disabled, and flushes the cache entry.
func (s *LeaseStore) dropUndercut(ctx context.Context, key string, lease *Lease, validFor int64, opts *LeaseGetOptions, flush bool) error {
	shortfall := validFor + timeNow().Unix() - lease.ExpireTime
	s.events.Emit("vault/lease/"+key+"/expire", map[string]any{
		"valid_for_less": validFor,
		"shortfall":      shortfall,
		"meta":           lease.Meta,
	})
	if opts == nil || !opts.NoRevoke {
		if err := s.Revoke(ctx, lease.ID, opts.revokeDelay()); err != nil {
			s.logger.Warn("failed to revoke undercut lease",
				observability.String("key", key), observability.Err(err))
		}
	}
	if flush {
		return s.cache.Flush(ctx, key)
	}
	return nil
}

// List returns all cached lease keys.
func (s *LeaseStore) List(ctx context.Context) ([]string, error) {
	return s.cache.List(ctx)
}

// Lookup returns lease meta information from the server.
func (s *LeaseStore) Lookup(ctx context.Context, leaseID string) (map[string]any, error) {
	res, err := s.client.Post(ctx, "sys/leases/lookup", map[string]any{"lease_id": leaseID})
	if err != nil {
		return nil, err
	}
	data, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: lease lookup returned no data", ErrNotFound)
	}
	return data, nil
}

// Renew renews a lease. increment of zero lets the server choose the
// validity period. Returns the server's renewal report.
func (s *LeaseStore) Renew(ctx context.Context, leaseID string, increment int64) (map[string]any, error) {
	payload := map[string]any{"lease_id": leaseID}
	if increment > 0 {
		payload["increment"] = increment
	}
	res, err := s.client.Post(ctx, "sys/leases/renew", payload)
	if err != nil {
		renewalsTotal.WithLabelValues("lease", statusError).Inc()
		return nil, err
	}
	renewalsTotal.WithLabelValues("lease", statusSuccess).Inc()
	return res.Body, nil
}

// Revoke schedules a lease's revocation by shrinking its validity to
// delay seconds. An unknown lease is a soft success: absence is the
// desired end state.
func (s *LeaseStore) Revoke(ctx context.Context, leaseID string, delay int64) error {
	if delay <= 0 {
		delay = 1
	}
	payload := map[string]any{"lease_id": leaseID, "increment": delay}
	_, err := s.client.Post(ctx, "sys/leases/renew", payload)
	if err != nil {
		if IsNotFound(err) {
			revocationsTotal.WithLabelValues("lease", statusSuccess).Inc()
			return nil
		}
		revocationsTotal.WithLabelValues("lease", statusError).Inc()
		return err
	}
	revocationsTotal.WithLabelValues("lease", statusSuccess).Inc()
	return nil
}

// Store caches a lease under key.
func (s *LeaseStore) Store(ctx context.Context, key string, lease *Lease) error {
	return s.cache.Store(ctx, sanitizeLeaseKey(key), lease)
}

// RenewCached renews all cached leases whose key matches the glob
// pattern. Per-key failures are collected into one aggregate error;
// one failure does not abort processing of the remaining keys.
func (s *LeaseStore) RenewCached(ctx context.Context, pattern string, increment int64) error {
	keys, err := s.cache.List(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, key := range keys {
		if !glob.Glob(pattern, key) {
			continue
		}
		lease, err := s.cache.Get(ctx, key, 0, 0, true)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if lease == nil {
			continue
		}
		renewed, err := s.renewInto(ctx, lease, increment)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if err := s.cache.Store(ctx, key, renewed); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errs.ErrorOrNil()
}

// RevokeCached revokes and flushes all cached leases whose key matches
// the glob pattern, reporting per-key failures in one aggregate error.
func (s *LeaseStore) RevokeCached(ctx context.Context, pattern string, delay int64) error {
	keys, err := s.cache.List(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, key := range keys {
		if !glob.Glob(pattern, key) {
			continue
		}
		lease, err := s.cache.Get(ctx, key, 0, 0, false)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if lease != nil {
			if err := s.Revoke(ctx, lease.ID, delay); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
		}
		if err := s.cache.Flush(ctx, key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errs.ErrorOrNil()
}

// sanitizeLeaseKey makes a caller-supplied key safe for bank-scoped
// storage.
func sanitizeLeaseKey(key string) string {
	return strings.ReplaceAll(key, "/", ".")
}
