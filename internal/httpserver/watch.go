package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/perchcam/signaling-broker/internal/broker"
)

// Watch stream timing. The store is the source of truth, so the stream is
// driven by polling it server-side and pushing deltas to the socket.
const (
	watchPollInterval = 500 * time.Millisecond
	watchPingInterval = 20 * time.Second
	watchReadTimeout  = 60 * time.Second
	watchWriteTimeout = 10 * time.Second
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The REST API carries auth; browser origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

type watchEvent struct {
	Type      string             `json:"type"` // status | offer | answer | candidate | gone
	Status    string             `json:"status,omitempty"`
	SDP       *sdpEnvelope       `json:"sdp,omitempty"`
	Candidate *candidateResponse `json:"candidate,omitempty"`
}

// handleWatch streams session changes to one party over a WebSocket: status
// transitions, the counterpart description once it lands, and the opposite
// party's candidates in order. A "gone" event is the stream's last word.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	party := broker.Party(r.URL.Query().Get("party"))
	if !party.Valid() {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "party must be initiator or responder")
		return
	}
	sessionID := mux.Vars(r)["id"]

	// Reject dead sessions before upgrading so the caller gets a clean 404.
	if _, err := s.broker.Registry.Get(r.Context(), sessionID); err != nil {
		s.writeBrokerError(w, r, err)
		return
	}

	// Lift the per-request write deadline: this connection outlives it, and
	// every socket write below sets its own deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("watch upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.With().Str("session_id", sessionID).Str("party", string(party)).Logger()
	go discardReads(conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(watchReadTimeout))

	poll := time.NewTicker(watchPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	send := func(ev watchEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Msg("watch write failed")
			return false
		}
		return true
	}

	var (
		lastStatus broker.Status
		sentSDP    bool
		lastSeq    int64
	)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			sess, err := s.broker.Registry.Get(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, broker.ErrSessionNotFound) || errors.Is(err, broker.ErrExpiredSession) {
					send(watchEvent{Type: "gone"})
					return
				}
				log.Warn().Err(err).Msg("watch poll failed")
				continue
			}

			if sess.Status != lastStatus {
				lastStatus = sess.Status
				if !send(watchEvent{Type: "status", Status: string(sess.Status)}) {
					return
				}
			}

			// Each party watches for the counterpart's description.
			counterpart := sess.Answer
			kind := "answer"
			if party == broker.PartyResponder {
				counterpart = sess.Offer
				kind = "offer"
			}
			if !sentSDP && counterpart != nil {
				sentSDP = true
				env := envelopeFromBlob(*counterpart)
				if !send(watchEvent{Type: kind, SDP: &env}) {
					return
				}
			}

			for _, c := range sess.Candidates(party.Opposite()) {
				if c.Seq <= lastSeq {
					continue
				}
				lastSeq = c.Seq
				if !send(watchEvent{Type: "candidate", Candidate: &candidateResponse{Seq: c.Seq, Candidate: c.Blob}}) {
					return
				}
			}

			if sess.Status.Terminal() {
				send(watchEvent{Type: "gone"})
				return
			}
		}
	}
}

// discardReads drains the socket so close frames and pongs are processed.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
