package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
	"github.com/perchcam/signaling-broker/internal/store"
)

// Relay performs the one-shot, idempotent delivery of the two session
// descriptions. The offer and answer are durably stored rather than streamed,
// so a device that connects late still retrieves the offer correctly; that is
// the reason this is a relay over a store and not a pub/sub channel.
type Relay struct {
	sessions sessionStore
	log      zerolog.Logger
}

func NewRelay(st store.Store, clock ratelimit.Clock, m *metrics.Metrics, log zerolog.Logger) *Relay {
	return &Relay{sessions: newSessionStore(st, clock, m), log: log}
}

// SubmitOffer applies the pending→offered transition. Resubmitting the
// identical blob is a no-op (a client retrying after a timeout whose first
// request actually landed); a different blob is rejected.
func (r *Relay) SubmitOffer(ctx context.Context, sessionID string, blob Blob) error {
	accepted := false
	_, err := r.sessions.update(ctx, sessionID, func(s *Session) (bool, error) {
		if s.Offer != nil {
			if s.Offer.Equal(blob) {
				return false, nil
			}
			return false, fmt.Errorf("%w: offer already set on session %s", ErrInvalidStateTransition, sessionID)
		}
		if s.Status != StatusPending {
			return false, fmt.Errorf("%w: submit offer on %s session %s", ErrInvalidStateTransition, s.Status, sessionID)
		}
		offer := blob
		s.Offer = &offer
		s.Status = StatusOffered
		accepted = true
		return true, nil
	})
	if err != nil {
		return err
	}

	if accepted {
		r.sessions.metrics.OfferSubmitted()
		r.log.Info().Str("session_id", sessionID).Msg("offer submitted")
	} else {
		r.sessions.metrics.DuplicateSubmission()
	}
	return nil
}

// SubmitAnswer applies the offered→answered transition, symmetric to
// SubmitOffer.
func (r *Relay) SubmitAnswer(ctx context.Context, sessionID string, blob Blob) error {
	accepted := false
	_, err := r.sessions.update(ctx, sessionID, func(s *Session) (bool, error) {
		if s.Answer != nil {
			if s.Answer.Equal(blob) {
				return false, nil
			}
			return false, fmt.Errorf("%w: answer already set on session %s", ErrInvalidStateTransition, sessionID)
		}
		if s.Status != StatusOffered || s.Offer == nil {
			return false, fmt.Errorf("%w: submit answer on %s session %s", ErrInvalidStateTransition, s.Status, sessionID)
		}
		answer := blob
		s.Answer = &answer
		s.Status = StatusAnswered
		accepted = true
		return true, nil
	})
	if err != nil {
		return err
	}

	if accepted {
		r.sessions.metrics.AnswerSubmitted()
		r.log.Info().Str("session_id", sessionID).Msg("answer submitted")
	} else {
		r.sessions.metrics.DuplicateSubmission()
	}
	return nil
}

// PollOffer returns the stored offer, or ErrNotYetAvailable. A pure read:
// safe to call repeatedly and concurrently, never mutates state.
func (r *Relay) PollOffer(ctx context.Context, sessionID string) (Blob, error) {
	sess, _, err := r.sessions.load(ctx, sessionID)
	if err != nil {
		return Blob{}, err
	}
	if sess.Offer == nil {
		return Blob{}, ErrNotYetAvailable
	}
	return *sess.Offer, nil
}

// PollAnswer returns the stored answer, or ErrNotYetAvailable.
func (r *Relay) PollAnswer(ctx context.Context, sessionID string) (Blob, error) {
	sess, _, err := r.sessions.load(ctx, sessionID)
	if err != nil {
		return Blob{}, err
	}
	if sess.Answer == nil {
		return Blob{}, ErrNotYetAvailable
	}
	return *sess.Answer, nil
}
