package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
	"github.com/perchcam/signaling-broker/internal/store"
)

// Exchange is the ordered, deduplicated, bidirectional candidate queue.
// Each party's stream is strictly append-only with its own monotonically
// increasing sequence numbers; no ordering holds between the two streams.
type Exchange struct {
	sessions sessionStore
	log      zerolog.Logger
}

func NewExchange(st store.Store, clock ratelimit.Clock, m *metrics.Metrics, log zerolog.Logger) *Exchange {
	return &Exchange{sessions: newSessionStore(st, clock, m), log: log}
}

// Append adds one candidate blob to the party's stream. A blob whose content
// fingerprint already appears in that stream is absorbed as a no-op, which
// makes client retries safe. Candidates are only legal while the session can
// still progress (pending, offered, answered).
func (e *Exchange) Append(ctx context.Context, sessionID string, from Party, blob json.RawMessage) error {
	if !from.Valid() {
		return fmt.Errorf("invalid party %q", from)
	}
	if len(blob) == 0 {
		return errors.New("empty candidate blob")
	}

	fp := Fingerprint(blob)
	appended := false
	_, err := e.sessions.update(ctx, sessionID, func(s *Session) (bool, error) {
		if s.Status.Terminal() {
			return false, fmt.Errorf("%w: append candidate on %s session %s", ErrInvalidStateTransition, s.Status, sessionID)
		}
		if s.hasFingerprint(from, fp) {
			return false, nil
		}
		s.appendCandidate(from, Candidate{
			Seq:         s.nextSeq(from),
			Fingerprint: fp,
			Blob:        append(json.RawMessage(nil), blob...),
		})
		appended = true
		return true, nil
	})
	if err != nil {
		return err
	}

	if appended {
		e.sessions.metrics.CandidateAppended(string(from))
	} else {
		e.sessions.metrics.CandidateDeduplicated()
	}
	return nil
}

// Poll returns the opposite party's candidates with seq > sinceSeq, ascending.
// The caller owns its cursor; nothing is ever deleted on delivery, so
// re-polling with the same cursor deterministically yields the same tail.
func (e *Exchange) Poll(ctx context.Context, sessionID string, forParty Party, sinceSeq int64) ([]Candidate, error) {
	if !forParty.Valid() {
		return nil, fmt.Errorf("invalid party %q", forParty)
	}

	sess, _, err := e.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	all := sess.Candidates(forParty.Opposite())
	var out []Candidate
	for _, c := range all {
		if c.Seq > sinceSeq {
			out = append(out, c)
		}
	}
	return out, nil
}
