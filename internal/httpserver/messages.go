package httpserver

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/perchcam/signaling-broker/internal/broker"
)

// sdpEnvelope is the wire form of an offer or answer body. It matches the
// browser's RTCSessionDescription JSON shape.
type sdpEnvelope struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sdpEnvelope) toPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

func (s sdpEnvelope) toBlob() broker.Blob {
	return broker.Blob{Type: s.Type, Payload: s.SDP}
}

func envelopeFromBlob(b broker.Blob) sdpEnvelope {
	return sdpEnvelope{Type: b.Type, SDP: b.Payload}
}

// candidateEnvelope matches RTCIceCandidateInit. Candidates are re-marshalled
// from this struct before storage so that equivalent submissions produce
// identical bytes for fingerprinting.
type candidateEnvelope struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c candidateEnvelope) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// canonical returns the candidate's storage bytes.
func (c candidateEnvelope) canonical() (json.RawMessage, error) {
	return json.Marshal(c)
}

// decodeStrict decodes exactly one JSON value from r into v, rejecting
// unknown fields and trailing data.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

const maxBodyBytes = 64 * 1024

type createSessionRequest struct {
	DeviceID    string `json:"deviceId"`
	InitiatorID string `json:"initiatorId"`
}

type heartbeatRequest struct {
	Capabilities map[string]string `json:"capabilities"`
}

type sessionResponse struct {
	ID          string `json:"id"`
	DeviceID    string `json:"deviceId"`
	InitiatorID string `json:"initiatorId"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	HasOffer    bool   `json:"hasOffer"`
	HasAnswer   bool   `json:"hasAnswer"`
}

func sessionToResponse(s *broker.Session) sessionResponse {
	return sessionResponse{
		ID:          s.ID,
		DeviceID:    s.DeviceID,
		InitiatorID: s.InitiatorID,
		Status:      string(s.Status),
		CreatedAt:   s.CreatedAt.UTC().Format(timeLayout),
		ExpiresAt:   s.ExpiresAt.UTC().Format(timeLayout),
		HasOffer:    s.Offer != nil,
		HasAnswer:   s.Answer != nil,
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type candidateResponse struct {
	Seq       int64           `json:"seq"`
	Candidate json.RawMessage `json:"candidate"`
}

type candidateListResponse struct {
	Candidates []candidateResponse `json:"candidates"`
	NextSince  int64               `json:"nextSince"`
}

func candidatesToResponse(cands []broker.Candidate, since int64) candidateListResponse {
	out := candidateListResponse{
		Candidates: make([]candidateResponse, 0, len(cands)),
		NextSince:  since,
	}
	for _, c := range cands {
		out.Candidates = append(out.Candidates, candidateResponse{Seq: c.Seq, Candidate: c.Blob})
		if c.Seq > out.NextSince {
			out.NextSince = c.Seq
		}
	}
	return out
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
