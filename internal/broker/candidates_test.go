package broker

import (
	"context"
	"errors"
	"testing"
)

func TestExchange_AppendAssignsIncreasingSeqs(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	for i := 0; i < 4; i++ {
		if err := b.exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := b.exchange.Poll(ctx, sess.ID, PartyResponder, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Poll: got %d candidates, want 4", len(got))
	}
	for i, c := range got {
		if c.Seq != int64(i+1) {
			t.Fatalf("candidate %d: seq %d, want %d", i, c.Seq, i+1)
		}
		if string(c.Blob) != string(candidateBlob(i)) {
			t.Fatalf("candidate %d: blob mismatch", i)
		}
	}
}

func TestExchange_DuplicateBlobsDeduplicated(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	// Interleave duplicates with fresh blobs, as a retrying client would.
	appends := []int{0, 0, 1, 0, 2, 1, 2}
	for _, i := range appends {
		if err := b.exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := b.exchange.Poll(ctx, sess.ID, PartyResponder, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Poll: got %d candidates, want 3 distinct", len(got))
	}
	// Distinct blobs in first-append order with strictly increasing seqs.
	for i, c := range got {
		if string(c.Blob) != string(candidateBlob(i)) {
			t.Fatalf("candidate %d out of order: %s", i, c.Blob)
		}
		if c.Seq != int64(i+1) {
			t.Fatalf("candidate %d: seq %d, want %d", i, c.Seq, i+1)
		}
	}
}

func TestExchange_StreamsAreIndependent(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	// The same content may legitimately appear in both directions; dedup is
	// per-stream.
	blob := candidateBlob(7)
	if err := b.exchange.Append(ctx, sess.ID, PartyInitiator, blob); err != nil {
		t.Fatalf("Append initiator: %v", err)
	}
	if err := b.exchange.Append(ctx, sess.ID, PartyResponder, blob); err != nil {
		t.Fatalf("Append responder: %v", err)
	}

	forInitiator, err := b.exchange.Poll(ctx, sess.ID, PartyInitiator, 0)
	if err != nil {
		t.Fatalf("Poll for initiator: %v", err)
	}
	forResponder, err := b.exchange.Poll(ctx, sess.ID, PartyResponder, 0)
	if err != nil {
		t.Fatalf("Poll for responder: %v", err)
	}
	if len(forInitiator) != 1 || len(forResponder) != 1 {
		t.Fatalf("each side should see exactly the other's candidate: %d/%d", len(forInitiator), len(forResponder))
	}
}

func TestExchange_CursorSkipsDelivered(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	for i := 0; i < 3; i++ {
		if err := b.exchange.Append(ctx, sess.ID, PartyResponder, candidateBlob(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	first, err := b.exchange.Poll(ctx, sess.ID, PartyInitiator, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("Poll: got %d, want 3", len(first))
	}

	// Same cursor → same tail, deterministically. Nothing was deleted.
	again, err := b.exchange.Poll(ctx, sess.ID, PartyInitiator, 0)
	if err != nil {
		t.Fatalf("re-Poll: %v", err)
	}
	if len(again) != 3 {
		t.Fatalf("re-Poll with cursor 0: got %d, want 3", len(again))
	}

	// Advanced cursor → only the tail past it.
	tail, err := b.exchange.Poll(ctx, sess.ID, PartyInitiator, first[1].Seq)
	if err != nil {
		t.Fatalf("Poll from cursor: %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != first[2].Seq {
		t.Fatalf("Poll from cursor: got %+v", tail)
	}
}

func TestExchange_RejectsTerminalSessions(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	if err := b.registry.Close(ctx, sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := b.exchange.Append(ctx, sess.ID, PartyInitiator, candidateBlob(0))
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("Append on closed session: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestExchange_InvalidParty(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)
	sess := b.createReadySession(t, "cam-1", "viewer-1")

	if err := b.exchange.Append(ctx, sess.ID, Party("observer"), candidateBlob(0)); err == nil {
		t.Fatalf("expected error for invalid party")
	}
	if _, err := b.exchange.Poll(ctx, sess.ID, Party(""), 0); err == nil {
		t.Fatalf("expected error for invalid party")
	}
}
