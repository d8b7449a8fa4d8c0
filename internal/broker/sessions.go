package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
	"github.com/perchcam/signaling-broker/internal/store"
)

// casMaxAttempts bounds the read-guard-write retry loop of every
// state-changing session operation. Two racing writers converge in one
// retry; exhausting the budget means the store is churning pathologically
// and the caller should back off.
const casMaxAttempts = 5

// sessionStore is the shared load/update machinery used by the registry,
// the relays and the candidate exchange.
type sessionStore struct {
	store   store.Store
	clock   ratelimit.Clock
	metrics *metrics.Metrics
}

func newSessionStore(st store.Store, clock ratelimit.Clock, m *metrics.Metrics) sessionStore {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return sessionStore{store: st, clock: clock, metrics: m}
}

// load reads a session and applies lazy expiry: a session past its TTL is
// observably absent to every caller except the reaper.
func (ss sessionStore) load(ctx context.Context, id string) (*Session, int64, error) {
	sess, version, err := ss.loadRaw(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if sess.ExpiredAt(ss.clock.Now()) {
		return nil, 0, fmt.Errorf("%w: %s", ErrExpiredSession, id)
	}
	return sess, version, nil
}

// loadRaw reads a session without the lazy-expiry check. Only the reaper and
// load itself use it.
func (ss sessionStore) loadRaw(ctx context.Context, id string) (*Session, int64, error) {
	rec, err := ss.store.Get(ctx, sessionKey(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		ss.metrics.StoreError("get")
		return nil, 0, storeFailure(err)
	}

	sess, err := decodeSession(rec.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, rec.Version, nil
}

// update runs a compare-and-set loop: load the session, apply mutate, write
// back guarded by the loaded version, and retry from a fresh read on
// conflicting concurrent writes.
//
// mutate returns changed=false to signal a legal no-op (identical
// resubmission); the session is then returned without a write. Any error
// from mutate aborts the loop unchanged.
func (ss sessionStore) update(ctx context.Context, id string, mutate func(*Session) (changed bool, err error)) (*Session, error) {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		sess, version, err := ss.load(ctx, id)
		if err != nil {
			return nil, err
		}

		changed, err := mutate(sess)
		if err != nil {
			return nil, err
		}
		if !changed {
			return sess, nil
		}

		value, err := encodeSession(sess)
		if err != nil {
			return nil, fmt.Errorf("encode session %s: %w", id, err)
		}

		err = ss.store.CompareAndSwap(ctx, sessionKey(id), value, version)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			// A concurrent writer won the race; re-read and re-apply the guard.
			continue
		}
		if errors.Is(err, store.ErrKeyNotFound) {
			// The reaper removed the session between read and write.
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		ss.metrics.StoreError("cas")
		return nil, storeFailure(err)
	}

	ss.metrics.StoreError("cas_exhausted")
	return nil, fmt.Errorf("%w: session %s: compare-and-set retries exhausted", ErrStoreUnavailable, id)
}

func storeFailure(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
