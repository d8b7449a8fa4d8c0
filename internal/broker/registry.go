package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
	"github.com/perchcam/signaling-broker/internal/store"
)

// Authorizer is the external access-control collaborator consulted before a
// session is created. A denial surfaces as ErrAccessDenied, distinct from
// ErrDeviceNotReady.
type Authorizer interface {
	Authorize(ctx context.Context, initiatorID, deviceID string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, initiatorID, deviceID string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, initiatorID, deviceID string) error {
	return f(ctx, initiatorID, deviceID)
}

// AllowAll authorizes every initiator against every device. Deployments with
// real ownership checks inject their own Authorizer.
var AllowAll = AuthorizerFunc(func(context.Context, string, string) error { return nil })

// DefaultSessionTTL is the fixed session lifetime applied at creation.
const DefaultSessionTTL = 30 * time.Minute

// Registry owns session identity, the state machine and its compare-and-set
// transitions.
type Registry struct {
	sessions sessionStore
	presence *Presence
	auth     Authorizer
	log      zerolog.Logger

	ttl time.Duration

	// newID is uuid allocation, injectable in tests.
	newID func() string
}

func NewRegistry(st store.Store, presence *Presence, auth Authorizer, clock ratelimit.Clock, m *metrics.Metrics, log zerolog.Logger, ttl time.Duration) *Registry {
	if auth == nil {
		auth = AllowAll
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Registry{
		sessions: newSessionStore(st, clock, m),
		presence: presence,
		auth:     auth,
		log:      log,
		ttl:      ttl,
		newID:    uuid.NewString,
	}
}

// Create authorizes the initiator, verifies the device is ready, and writes a
// fresh pending session with a fixed expiry of now+TTL.
//
// Multiple pending sessions per device are allowed and independent; picking
// one is the application layer's concern.
func (r *Registry) Create(ctx context.Context, deviceID, initiatorID string) (*Session, error) {
	if deviceID == "" {
		return nil, errors.New("empty device id")
	}
	if initiatorID == "" {
		return nil, errors.New("empty initiator id")
	}

	if err := r.auth.Authorize(ctx, initiatorID, deviceID); err != nil {
		return nil, fmt.Errorf("%w: initiator %s, device %s", ErrAccessDenied, initiatorID, deviceID)
	}

	ready, err := r.presence.IsReady(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotReady, deviceID)
	}

	now := r.sessions.clock.Now()
	sess := &Session{
		ID:          r.newID(),
		DeviceID:    deviceID,
		InitiatorID: initiatorID,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}

	value, err := encodeSession(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := r.sessions.store.Create(ctx, sessionKey(sess.ID), value); err != nil {
		// uuid collisions do not happen in practice; any create failure is a
		// store problem.
		r.sessions.metrics.StoreError("create")
		return nil, storeFailure(err)
	}

	r.sessions.metrics.SessionCreated()
	r.log.Info().
		Str("session_id", sess.ID).
		Str("device_id", deviceID).
		Str("initiator_id", initiatorID).
		Time("expires_at", sess.ExpiresAt).
		Msg("session created")
	return sess, nil
}

// Get returns the session, or ErrSessionNotFound / ErrExpiredSession if it is
// absent or past its TTL (whether or not the reaper has run).
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	sess, _, err := r.sessions.load(ctx, id)
	return sess, err
}

// ListForDevice returns the non-expired pending sessions targeting a device,
// oldest first. Capture hosts poll this to discover incoming connection
// attempts.
func (r *Registry) ListForDevice(ctx context.Context, deviceID string) ([]*Session, error) {
	keys, err := r.sessions.store.List(ctx, sessionKeyPrefix)
	if err != nil {
		r.sessions.metrics.StoreError("list")
		return nil, storeFailure(err)
	}

	var out []*Session
	for _, key := range keys {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		sess, _, err := r.sessions.load(ctx, id)
		if err != nil {
			// Sessions expiring or racing the reaper mid-listing are simply
			// not part of the result.
			if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrExpiredSession) {
				continue
			}
			return nil, err
		}
		if sess.DeviceID != deviceID || sess.Status != StatusPending {
			continue
		}
		out = append(out, sess)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close moves the session to closed from any non-terminal state. Closing an
// already-terminal session is a no-op, not an error, so retried teardowns are
// harmless.
func (r *Registry) Close(ctx context.Context, id string) error {
	return r.finish(ctx, id, StatusClosed)
}

// Cancel records an initiator abort. Legal only before the answer arrives
// (pending or offered); cancelling a terminal session is a no-op.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	return r.finish(ctx, id, StatusCancelled)
}

func (r *Registry) finish(ctx context.Context, id string, target Status) error {
	transitioned := false
	_, err := r.sessions.update(ctx, id, func(s *Session) (bool, error) {
		if s.Status.Terminal() {
			return false, nil
		}
		if target == StatusCancelled && s.Status == StatusAnswered {
			return false, fmt.Errorf("%w: cannot cancel %s session %s", ErrInvalidStateTransition, s.Status, id)
		}
		s.Status = target
		now := r.sessions.clock.Now()
		s.FinishedAt = &now
		transitioned = true
		return true, nil
	})
	// TTL already did the work: finishing an expired session is a no-op.
	if errors.Is(err, ErrExpiredSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	switch target {
	case StatusClosed:
		r.sessions.metrics.SessionClosed()
	case StatusCancelled:
		r.sessions.metrics.SessionCancelled()
	}
	r.log.Info().Str("session_id", id).Str("status", string(target)).Msg("session finished")
	return nil
}
