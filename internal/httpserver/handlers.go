package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/perchcam/signaling-broker/internal/broker"
)

// writeBrokerError maps the broker error taxonomy onto HTTP statuses. Expired
// sessions are indistinguishable from unknown ones on purpose.
func (s *Server) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, broker.ErrAccessDenied):
		s.writeError(w, r, http.StatusForbidden, "access_denied", "not allowed to signal this device")
	case errors.Is(err, broker.ErrSessionNotFound), errors.Is(err, broker.ErrExpiredSession):
		s.writeError(w, r, http.StatusNotFound, "session_not_found", "session does not exist")
	case errors.Is(err, broker.ErrDeviceNotReady):
		s.writeError(w, r, http.StatusConflict, "device_not_ready", "device is not accepting sessions")
	case errors.Is(err, broker.ErrInvalidStateTransition):
		s.writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, broker.ErrStoreUnavailable):
		s.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable, retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusServiceUnavailable, "request_aborted", "request aborted")
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled broker error")
		s.writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

// deviceAllowed enforces device-scoped JWT principals.
func (s *Server) deviceAllowed(r *http.Request, deviceID string) bool {
	p := principalFrom(r.Context())
	return p.DeviceID == "" || p.DeviceID == deviceID
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if !s.deviceAllowed(r, deviceID) {
		s.writeError(w, r, http.StatusForbidden, "access_denied", "token is scoped to another device")
		return
	}

	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeStrict(r.Body, &req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid heartbeat body")
			return
		}
	}

	if err := s.broker.Presence.Heartbeat(r.Context(), deviceID, req.Capabilities); err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	if !s.deviceAllowed(r, deviceID) {
		s.writeError(w, r, http.StatusForbidden, "access_denied", "token is scoped to another device")
		return
	}
	if err := s.broker.Presence.MarkOffline(r.Context(), deviceID); err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	status, err := s.broker.Presence.Status(r.Context(), deviceID)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	if status == nil {
		s.writeError(w, r, http.StatusNotFound, "device_not_found", "device has never heartbeated")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid session request body")
		return
	}
	if req.DeviceID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "deviceId is required")
		return
	}

	// A verified token identity overrides whatever the body claims.
	initiatorID := req.InitiatorID
	if p := principalFrom(r.Context()); p.ID != "" {
		initiatorID = p.ID
	}
	if initiatorID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "initiatorId is required")
		return
	}
	if !s.deviceAllowed(r, req.DeviceID) {
		s.writeError(w, r, http.StatusForbidden, "access_denied", "token is scoped to another device")
		return
	}

	sess, err := s.broker.Registry.Create(r.Context(), req.DeviceID, initiatorID)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "deviceId query parameter is required")
		return
	}
	if !s.deviceAllowed(r, deviceID) {
		s.writeError(w, r, http.StatusForbidden, "access_denied", "token is scoped to another device")
		return
	}

	sessions, err := s.broker.Registry.ListForDevice(r.Context(), deviceID)
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.broker.Registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Registry.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Registry.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	s.handleSubmitDescription(w, r, "offer")
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	s.handleSubmitDescription(w, r, "answer")
}

func (s *Server) handleSubmitDescription(w http.ResponseWriter, r *http.Request, kind string) {
	var env sdpEnvelope
	if err := decodeStrict(r.Body, &env); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid session description body")
		return
	}
	if env.Type != kind {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "sdp type must be "+kind)
		return
	}
	if _, err := env.toPion(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	var err error
	if kind == "offer" {
		err = s.broker.Relay.SubmitOffer(r.Context(), id, env.toBlob())
	} else {
		err = s.broker.Relay.SubmitAnswer(r.Context(), id, env.toBlob())
	}
	if err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePollOffer(w http.ResponseWriter, r *http.Request) {
	s.handlePollDescription(w, r, "offer")
}

func (s *Server) handlePollAnswer(w http.ResponseWriter, r *http.Request) {
	s.handlePollDescription(w, r, "answer")
}

func (s *Server) handlePollDescription(w http.ResponseWriter, r *http.Request, kind string) {
	id := mux.Vars(r)["id"]
	var (
		blob broker.Blob
		err  error
	)
	if kind == "offer" {
		blob, err = s.broker.Relay.PollOffer(r.Context(), id)
	} else {
		blob, err = s.broker.Relay.PollAnswer(r.Context(), id)
	}
	switch {
	case errors.Is(err, broker.ErrNotYetAvailable):
		s.metrics.PollServed(kind, "pending")
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		s.metrics.PollServed(kind, "error")
		s.writeBrokerError(w, r, err)
	default:
		s.metrics.PollServed(kind, "ok")
		writeJSON(w, http.StatusOK, envelopeFromBlob(blob))
	}
}

func (s *Server) handleAppendCandidate(w http.ResponseWriter, r *http.Request) {
	party := broker.Party(r.URL.Query().Get("party"))
	if !party.Valid() {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "party must be initiator or responder")
		return
	}

	var env candidateEnvelope
	if err := decodeStrict(r.Body, &env); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid candidate body")
		return
	}
	blob, err := env.canonical()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid candidate body")
		return
	}

	if err := s.broker.Exchange.Append(r.Context(), mux.Vars(r)["id"], party, blob); err != nil {
		s.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePollCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	party := broker.Party(q.Get("party"))
	if !party.Valid() {
		s.metrics.PollServed("candidates", "error")
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "party must be initiator or responder")
		return
	}

	var since int64
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.metrics.PollServed("candidates", "error")
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "since must be a non-negative integer")
			return
		}
		since = n
	}

	cands, err := s.broker.Exchange.Poll(r.Context(), mux.Vars(r)["id"], party, since)
	if err != nil {
		s.metrics.PollServed("candidates", "error")
		s.writeBrokerError(w, r, err)
		return
	}
	s.metrics.PollServed("candidates", "ok")
	writeJSON(w, http.StatusOK, candidatesToResponse(cands, since))
}
