package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testBroker bundles every component over a shared in-memory store and fake
// clock.
type testBroker struct {
	clock    *fakeClock
	store    *store.Memory
	presence *Presence
	registry *Registry
	relay    *Relay
	exchange *Exchange
	reaper   *Reaper
}

func newTestBroker(t *testing.T, auth Authorizer) *testBroker {
	t.Helper()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	st := store.NewMemory()
	m := metrics.New()
	log := zerolog.Nop()

	presence := NewPresence(st, clk, m, log, 30*time.Second)
	return &testBroker{
		clock:    clk,
		store:    st,
		presence: presence,
		registry: NewRegistry(st, presence, auth, clk, m, log, 30*time.Minute),
		relay:    NewRelay(st, clk, m, log),
		exchange: NewExchange(st, clk, m, log),
		reaper:   NewReaper(st, clk, m, log, 5*time.Minute),
	}
}

func (b *testBroker) createReadySession(t *testing.T, deviceID, initiatorID string) *Session {
	t.Helper()
	ctx := context.Background()

	if err := b.presence.Heartbeat(ctx, deviceID, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	sess, err := b.registry.Create(ctx, deviceID, initiatorID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func candidateBlob(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":"candidate:%d 1 udp 2122260223 192.168.1.%d 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`, i, i))
}

// TestEndToEndScenario walks one complete call setup: heartbeat, create,
// offer, answer, three candidates each way, then TTL expiry.
func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)

	// Device D heartbeats; viewer V creates a session for D.
	sess := b.createReadySession(t, "device-D", "viewer-V")

	// V submits an offer; D polls and receives it.
	offer := Blob{Type: "offer", Payload: "sdp-A"}
	if err := b.relay.SubmitOffer(ctx, sess.ID, offer); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}

	// D discovers the session by polling for pending work targeted at it.
	// (The offer transition moved it out of pending, so discovery happens
	// before or at offer time in practice; verify Get instead.)
	got, err := b.registry.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusOffered {
		t.Fatalf("status after offer: got %s, want %s", got.Status, StatusOffered)
	}

	polledOffer, err := b.relay.PollOffer(ctx, sess.ID)
	if err != nil {
		t.Fatalf("PollOffer: %v", err)
	}
	if !polledOffer.Equal(offer) {
		t.Fatalf("PollOffer: got %+v, want %+v", polledOffer, offer)
	}

	// D submits an answer; V polls and receives it.
	answer := Blob{Type: "answer", Payload: "sdp-B"}
	if err := b.relay.SubmitAnswer(ctx, sess.ID, answer); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	polledAnswer, err := b.relay.PollAnswer(ctx, sess.ID)
	if err != nil {
		t.Fatalf("PollAnswer: %v", err)
	}
	if !polledAnswer.Equal(answer) {
		t.Fatalf("PollAnswer: got %+v, want %+v", polledAnswer, answer)
	}

	got, err = b.registry.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAnswered {
		t.Fatalf("status after answer: got %s, want %s", got.Status, StatusAnswered)
	}
	if got.Offer == nil || !got.Offer.Equal(offer) || got.Answer == nil || !got.Answer.Equal(answer) {
		t.Fatalf("session blobs: got offer=%+v answer=%+v", got.Offer, got.Answer)
	}

	// Each side appends 3 candidates.
	for i := 0; i < 3; i++ {
		if err := b.exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(i)); err != nil {
			t.Fatalf("Append initiator %d: %v", i, err)
		}
		if err := b.exchange.Append(ctx, sess.ID, PartyResponder, candidateBlob(100+i)); err != nil {
			t.Fatalf("Append responder %d: %v", i, err)
		}
	}

	// Each side's poll returns exactly the other side's 3 candidates once.
	forInitiator, err := b.exchange.Poll(ctx, sess.ID, PartyInitiator, 0)
	if err != nil {
		t.Fatalf("Poll for initiator: %v", err)
	}
	if len(forInitiator) != 3 {
		t.Fatalf("Poll for initiator: got %d candidates, want 3", len(forInitiator))
	}
	forResponder, err := b.exchange.Poll(ctx, sess.ID, PartyResponder, 0)
	if err != nil {
		t.Fatalf("Poll for responder: %v", err)
	}
	if len(forResponder) != 3 {
		t.Fatalf("Poll for responder: got %d candidates, want 3", len(forResponder))
	}

	// A repeated poll with an advanced cursor yields nothing new.
	cursor := forInitiator[len(forInitiator)-1].Seq
	again, err := b.exchange.Poll(ctx, sess.ID, PartyInitiator, cursor)
	if err != nil {
		t.Fatalf("re-Poll: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-Poll: got %d candidates, want 0", len(again))
	}

	// After TTL elapses the session is gone, reaper or not.
	b.clock.Advance(30*time.Minute + time.Second)
	if _, err := b.registry.Get(ctx, sess.ID); !errors.Is(err, ErrExpiredSession) {
		t.Fatalf("Get after TTL: got %v, want ErrExpiredSession", err)
	}
}

// racingStore interleaves a competing write between a caller's read and its
// first compare-and-set, so the caller loses the race exactly once and has to
// re-read and re-apply its guard.
type racingStore struct {
	store.Store
	once   sync.Once
	before func()
}

func (r *racingStore) CompareAndSwap(ctx context.Context, key string, value []byte, version int64) error {
	r.once.Do(r.before)
	return r.Store.CompareAndSwap(ctx, key, value, version)
}

// churningStore bumps the record's version ahead of every compare-and-set, so
// the caller's guard never holds.
type churningStore struct {
	store.Store
}

func (c *churningStore) CompareAndSwap(ctx context.Context, key string, value []byte, version int64) error {
	if rec, err := c.Store.Get(ctx, key); err == nil {
		_ = c.Store.CompareAndSwap(ctx, key, rec.Value, rec.Version)
	}
	return c.Store.CompareAndSwap(ctx, key, value, version)
}

func TestSubmitOfferRetryAfterLostRaceIsNoOp(t *testing.T) {
	// A client times out, retries, and its first request actually landed in
	// between: the retry must converge to a no-op, not a double submission.
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	offer := Blob{Type: "offer", Payload: "sdp-A"}
	raced := false
	racing := &racingStore{Store: b.store, before: func() {
		raced = true
		if err := b.relay.SubmitOffer(ctx, sess.ID, offer); err != nil {
			t.Errorf("competing SubmitOffer: %v", err)
		}
	}}
	relay := NewRelay(racing, b.clock, metrics.New(), zerolog.Nop())

	if err := relay.SubmitOffer(ctx, sess.ID, offer); err != nil {
		t.Fatalf("SubmitOffer after lost race: %v", err)
	}
	if !raced {
		t.Fatalf("competing write never ran")
	}

	got, err := b.registry.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusOffered {
		t.Fatalf("status: got %s, want %s", got.Status, StatusOffered)
	}
	if got.Offer == nil || !got.Offer.Equal(offer) {
		t.Fatalf("offer: got %+v", got.Offer)
	}
}

func TestSubmitOfferLosesRaceToConflictingOffer(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	theirs := Blob{Type: "offer", Payload: "sdp-theirs"}
	racing := &racingStore{Store: b.store, before: func() {
		if err := b.relay.SubmitOffer(ctx, sess.ID, theirs); err != nil {
			t.Errorf("competing SubmitOffer: %v", err)
		}
	}}
	relay := NewRelay(racing, b.clock, metrics.New(), zerolog.Nop())

	mine := Blob{Type: "offer", Payload: "sdp-mine"}
	if err := relay.SubmitOffer(ctx, sess.ID, mine); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("SubmitOffer after losing to a different offer: got %v, want ErrInvalidStateTransition", err)
	}

	// The winner's offer is untouched.
	got, err := b.registry.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Offer == nil || !got.Offer.Equal(theirs) {
		t.Fatalf("offer after race: got %+v, want %+v", got.Offer, theirs)
	}
}

func TestRacingCandidateAppendsAllLandOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	racing := &racingStore{Store: b.store, before: func() {
		if err := b.exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(1)); err != nil {
			t.Errorf("competing Append: %v", err)
		}
	}}
	exchange := NewExchange(racing, b.clock, metrics.New(), zerolog.Nop())

	if err := exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(2)); err != nil {
		t.Fatalf("Append after lost race: %v", err)
	}

	got, err := b.exchange.Poll(ctx, sess.ID, PartyResponder, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Poll: got %d candidates, want 2", len(got))
	}
	for i, c := range got {
		if want := int64(i + 1); c.Seq != want {
			t.Fatalf("candidate %d seq: got %d, want %d", i, c.Seq, want)
		}
	}

	// Replaying either candidate is absorbed by the fingerprint check.
	if err := b.exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(1)); err != nil {
		t.Fatalf("duplicate Append: %v", err)
	}
	got, err = b.exchange.Poll(ctx, sess.ID, PartyResponder, 0)
	if err != nil {
		t.Fatalf("re-Poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("re-Poll after duplicate: got %d candidates, want 2", len(got))
	}
}

func TestUpdateGivesUpUnderConstantConflict(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	relay := NewRelay(&churningStore{Store: b.store}, b.clock, metrics.New(), zerolog.Nop())
	err := relay.SubmitOffer(ctx, sess.ID, Blob{Type: "offer", Payload: "sdp-A"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("SubmitOffer under constant conflict: got %v, want ErrStoreUnavailable", err)
	}
}

func TestStoreFailureSurfacesAsUnavailable(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "dev", "viewer")

	// A cancelled context makes the memory store fail before any read.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	if err := b.relay.SubmitOffer(cancelled, sess.ID, Blob{Type: "offer", Payload: "x"}); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}
