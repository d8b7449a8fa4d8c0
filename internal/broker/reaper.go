package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
	"github.com/perchcam/signaling-broker/internal/store"
)

// DefaultReapInterval is how often the reaper sweeps for dead sessions.
const DefaultReapInterval = 5 * time.Minute

// reapGrace keeps terminal sessions readable for a short window so a peer
// mid-poll observes the closed/cancelled status instead of a bare not-found.
const reapGrace = time.Minute

// Reaper physically deletes sessions that are expired or finished. It runs
// independently of every request path and takes no locks shared with
// foreground operations; the conditional re-checked delete is its only
// concurrency-safety mechanism.
type Reaper struct {
	sessions sessionStore
	log      zerolog.Logger
	interval time.Duration
}

func NewReaper(st store.Store, clock ratelimit.Clock, m *metrics.Metrics, log zerolog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		sessions: newSessionStore(st, clock, m),
		log:      log,
		interval: interval,
	}
}

// Run sweeps on a fixed period until ctx is cancelled. Stopping the reaper is
// first-class: cancel the context and Run returns after the in-flight sweep.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			removed, err := r.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Msg("sweep failed")
			}
			if removed > 0 {
				r.log.Info().Int("removed", removed).Msg("sweep complete")
			}
		}
	}
}

// Sweep enumerates sessions and deletes the dead ones. The expiry/terminal
// decision is re-made against a fresh read at deletion time, and the delete
// itself is conditional on the version just read: a session that progressed
// between enumeration and deletion survives untouched.
//
// A single failed deletion never aborts the rest of the sweep. An empty sweep
// is a normal result, not an error.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	keys, err := r.sessions.store.List(ctx, sessionKeyPrefix)
	if err != nil {
		r.sessions.metrics.StoreError("list")
		return 0, storeFailure(err)
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		id := strings.TrimPrefix(key, sessionKeyPrefix)
		ok, err := r.reapOne(ctx, id)
		if err != nil {
			r.sessions.metrics.ReapFailure()
			r.log.Warn().Err(err).Str("session_id", id).Msg("failed to reap session")
			continue
		}
		if ok {
			removed++
		}
	}

	r.sessions.metrics.SessionsReaped(removed)
	return removed, nil
}

func (r *Reaper) reapOne(ctx context.Context, id string) (bool, error) {
	// Fresh read, bypassing lazy expiry: the reaper is the one reader allowed
	// to see expired records.
	sess, version, err := r.sessions.loadRaw(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		// Another replica's reaper got there first.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := r.sessions.clock.Now()
	if !r.reapable(sess, now) {
		return false, nil
	}

	err = r.sessions.store.Delete(ctx, sessionKey(id), version)
	if errors.Is(err, store.ErrVersionConflict) {
		// The session progressed after our read; leave it alone. The next
		// sweep re-evaluates it.
		return false, nil
	}
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		r.sessions.metrics.StoreError("delete")
		return false, storeFailure(err)
	}
	return true, nil
}

func (r *Reaper) reapable(sess *Session, now time.Time) bool {
	if sess.ExpiredAt(now) {
		return true
	}
	if !sess.Status.Terminal() {
		return false
	}
	// The linger window runs from the moment the session finished, so a late
	// poller or watcher still observes the final status.
	finished := sess.CreatedAt
	if sess.FinishedAt != nil {
		finished = *sess.FinishedAt
	}
	return now.Sub(finished) > reapGrace
}
