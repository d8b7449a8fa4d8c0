package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_CreateRequiresReadyDevice(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)

	if _, err := b.registry.Create(ctx, "cam-1", "viewer-1"); !errors.Is(err, ErrDeviceNotReady) {
		t.Fatalf("Create against silent device: got %v, want ErrDeviceNotReady", err)
	}

	if err := b.presence.Heartbeat(ctx, "cam-1", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// Stale heartbeat also refuses creation.
	b.clock.Advance(2 * time.Minute)
	if _, err := b.registry.Create(ctx, "cam-1", "viewer-1"); !errors.Is(err, ErrDeviceNotReady) {
		t.Fatalf("Create against stale device: got %v, want ErrDeviceNotReady", err)
	}

	if err := b.presence.Heartbeat(ctx, "cam-1", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	sess, err := b.registry.Create(ctx, "cam-1", "viewer-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if sess.ID == "" || sess.Status != StatusPending {
		t.Fatalf("fresh session: got %+v", sess)
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != 30*time.Minute {
		t.Fatalf("TTL: got %v, want 30m", got)
	}
}

func TestRegistry_AccessDeniedBeatsPresence(t *testing.T) {
	ctx := context.Background()
	denyAll := AuthorizerFunc(func(context.Context, string, string) error {
		return errors.New("blocked")
	})
	b := newTestBroker(t, denyAll)

	if err := b.presence.Heartbeat(ctx, "cam-1", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	_, err := b.registry.Create(ctx, "cam-1", "viewer-1")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Create with denying authorizer: got %v, want ErrAccessDenied", err)
	}
	if errors.Is(err, ErrDeviceNotReady) {
		t.Fatalf("denial must be distinct from device readiness")
	}
}

func TestRegistry_MultiplePendingSessionsPerDevice(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)

	s1 := b.createReadySession(t, "cam-1", "viewer-1")
	s2 := b.createReadySession(t, "cam-1", "viewer-2")
	if s1.ID == s2.ID {
		t.Fatalf("session ids must be unique")
	}

	pending, err := b.registry.ListForDevice(ctx, "cam-1")
	if err != nil {
		t.Fatalf("ListForDevice: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListForDevice: got %d sessions, want 2", len(pending))
	}

	// Discovery only surfaces pending sessions.
	if err := b.relay.SubmitOffer(ctx, s1.ID, Blob{Type: "offer", Payload: "sdp"}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	pending, err = b.registry.ListForDevice(ctx, "cam-1")
	if err != nil {
		t.Fatalf("ListForDevice: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != s2.ID {
		t.Fatalf("ListForDevice after offer: got %+v, want only %s", pending, s2.ID)
	}
}

func TestRegistry_GetAppliesLogicalExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	// Just inside the TTL the session is retrievable.
	b.clock.Advance(30 * time.Minute)
	if _, err := b.registry.Get(ctx, sess.ID); err != nil {
		t.Fatalf("Get inside TTL: %v", err)
	}

	// Past the TTL the session is observably absent even though the reaper
	// has not run and the record physically remains.
	b.clock.Advance(time.Second)
	if _, err := b.registry.Get(ctx, sess.ID); !errors.Is(err, ErrExpiredSession) {
		t.Fatalf("Get past TTL: got %v, want ErrExpiredSession", err)
	}
	if _, err := b.store.Get(ctx, "sessions/"+sess.ID); err != nil {
		t.Fatalf("expected record to physically remain until reaped: %v", err)
	}

	if _, err := b.registry.Get(ctx, "no-such-id"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get unknown id: got %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	if err := b.registry.Close(ctx, sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := b.registry.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusClosed {
		t.Fatalf("status: got %s, want %s", got.Status, StatusClosed)
	}

	// Closing again is a no-op, not an error.
	if err := b.registry.Close(ctx, sess.ID); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Closed is monotonic: no submissions may revive the session.
	err = b.relay.SubmitOffer(ctx, sess.ID, Blob{Type: "offer", Payload: "sdp"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("SubmitOffer on closed session: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestRegistry_CancelOnlyBeforeAnswer(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)

	sess := b.createReadySession(t, "cam-1", "viewer-1")
	if err := b.registry.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("Cancel pending session: %v", err)
	}
	got, err := b.registry.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status: got %s, want %s", got.Status, StatusCancelled)
	}

	// A fully answered session cannot be cancelled, only closed.
	sess2 := b.createReadySession(t, "cam-1", "viewer-1")
	if err := b.relay.SubmitOffer(ctx, sess2.ID, Blob{Type: "offer", Payload: "o"}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if err := b.relay.SubmitAnswer(ctx, sess2.ID, Blob{Type: "answer", Payload: "a"}); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if err := b.registry.Cancel(ctx, sess2.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("Cancel answered session: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestRegistry_CloseExpiredSessionIsNoOp(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	b.clock.Advance(31 * time.Minute)
	if err := b.registry.Close(ctx, sess.ID); err != nil {
		t.Fatalf("Close expired session: got %v, want nil", err)
	}
}
