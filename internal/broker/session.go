// Package broker implements the WebRTC signaling broker: session lifecycle,
// one-shot offer/answer relay, ordered candidate exchange, device presence and
// background reaping, all layered on a shared key/value store with per-key
// compare-and-set.
//
// The broker never interprets SDP or ICE payloads; every blob it carries is
// opaque.
package broker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is a session's lifecycle state. Transitions are monotonic:
//
//	pending → offered → answered → closed
//
// with side exits to cancelled (initiator abort before answer) and expired
// (TTL elapsed). closed, expired and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOffered   Status = "offered"
	StatusAnswered  Status = "answered"
	StatusClosed    Status = "closed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Party identifies which side of a session produced a message.
type Party string

const (
	PartyInitiator Party = "initiator"
	PartyResponder Party = "responder"
)

func (p Party) Valid() bool {
	return p == PartyInitiator || p == PartyResponder
}

// Opposite returns the other side of the exchange.
func (p Party) Opposite() Party {
	if p == PartyInitiator {
		return PartyResponder
	}
	return PartyInitiator
}

// Blob is an opaque session description (offer or answer): a type tag plus a
// payload the broker never parses.
type Blob struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Equal is the duplicate-detection comparison: exact field equality, never
// reference identity.
func (b Blob) Equal(other Blob) bool {
	return b.Type == other.Type && b.Payload == other.Payload
}

// Candidate is one entry in a party's append-only candidate sequence.
type Candidate struct {
	Seq         int64           `json:"seq"`
	Fingerprint string          `json:"fingerprint"`
	Blob        json.RawMessage `json:"blob"`
}

// Fingerprint computes the content fingerprint used for candidate
// deduplication.
func Fingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Session is one signaling attempt between one viewer (initiator) and one
// capture device (responder). id, deviceId, initiatorId and the two
// timestamps are immutable after creation; offer and answer are settable
// exactly once; the candidate sequences are append-only.
type Session struct {
	ID          string `json:"id"`
	DeviceID    string `json:"deviceId"`
	InitiatorID string `json:"initiatorId"`
	Status      Status `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// FinishedAt records when the session entered closed or cancelled; the
	// reaper's grace window for terminal sessions is measured from it.
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Offer  *Blob `json:"offer,omitempty"`
	Answer *Blob `json:"answer,omitempty"`

	CandidatesFromInitiator []Candidate `json:"candidatesFromInitiator,omitempty"`
	CandidatesFromResponder []Candidate `json:"candidatesFromResponder,omitempty"`
}

// ExpiredAt reports whether the session is logically gone at now. Expiry is
// observed lazily on every read; physical deletion is the reaper's job.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Candidates returns the sequence appended by the given party.
func (s *Session) Candidates(from Party) []Candidate {
	if from == PartyInitiator {
		return s.CandidatesFromInitiator
	}
	return s.CandidatesFromResponder
}

func (s *Session) appendCandidate(from Party, c Candidate) {
	if from == PartyInitiator {
		s.CandidatesFromInitiator = append(s.CandidatesFromInitiator, c)
	} else {
		s.CandidatesFromResponder = append(s.CandidatesFromResponder, c)
	}
}

// hasFingerprint reports whether the party's sequence already contains a
// candidate with the given fingerprint.
func (s *Session) hasFingerprint(from Party, fp string) bool {
	for _, c := range s.Candidates(from) {
		if c.Fingerprint == fp {
			return true
		}
	}
	return false
}

// nextSeq allocates the next sequence number for the party's stream.
func (s *Session) nextSeq(from Party) int64 {
	cands := s.Candidates(from)
	if len(cands) == 0 {
		return 1
	}
	return cands[len(cands)-1].Seq + 1
}

func sessionKey(id string) string { return "sessions/" + id }

const sessionKeyPrefix = "sessions/"

func encodeSession(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSession(value []byte) (*Session, error) {
	var s Session
	dec := json.NewDecoder(bytes.NewReader(value))
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
