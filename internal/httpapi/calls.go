package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/telephony"
)

type startCallRequest struct {
	To          string `json:"to"`
	From        string `json:"from"`
	CallbackURL string `json:"callback_url"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		req.To = s.cfg.MyPhoneNumber
	}
	if strings.TrimSpace(req.From) == "" {
		req.From = s.cfg.TwilioPhoneNumber
	}

	sessionID, err := s.orchestrator.StartCall(r.Context(), req.To, req.From, req.CallbackURL)
	switch {
	case err == nil:
	case errors.Is(err, telephony.ErrInvalidNumber):
		respondError(w, http.StatusBadRequest, "invalid_number", err.Error())
		return
	case errors.Is(err, telephony.ErrProviderRejected):
		respondError(w, http.StatusBadGateway, "provider_rejected", err.Error())
		return
	default:
		respondError(w, http.StatusBadGateway, "provider_error", err.Error())
		return
	}

	sess, err := s.orchestrator.Get(sessionID)
	if err != nil {
		respondJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orchestrator.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.orchestrator.EndCall(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleEvent accepts a normalized event as JSON. It lets operators and
// tests replay provider webhooks without Twilio form encoding.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ev, err := protocol.ParseEvent(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	// Replays into an ended call have no caller to answer. Late webhooks
	// for the hangup recording still go through /twilio.
	if ev.Type == protocol.EventRecordingReady {
		if sess, err := s.orchestrator.Get(ev.SessionID); err == nil && sess.Status == session.StatusEnded {
			respondError(w, http.StatusConflict, "session_ended", "call has ended; recordings are not replayed into it")
			return
		}
	}
	ack, err := s.orchestrator.HandleEvent(r.Context(), ev)
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, ack)
		return
	}
	respondJSON(w, http.StatusAccepted, ack)
}
