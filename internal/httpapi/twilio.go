package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/telephony"
)

const (
	greetingText      = "Hello! Speak as long as you need, then stop. I will answer after that."
	holdText          = "One moment."
	defaultSpeakText  = "I'm sorry, I didn't understand."
	twilioSignatureHd = "X-Twilio-Signature"
)

// verifyTwilioSignature rejects webhooks that were not signed with our auth
// token. Twilio signs the public URL it called, so the check rebuilds it
// from PublicBaseURL rather than the request host.
func (s *Server) verifyTwilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
			return
		}
		if !s.cfg.TwilioValidateSignatures {
			next.ServeHTTP(w, r)
			return
		}
		fullURL := s.cfg.PublicBaseURL + r.URL.RequestURI()
		err := telephony.ValidateSignature(s.cfg.TwilioAuthToken, fullURL, r.PostForm, r.Header.Get(twilioSignatureHd))
		if err != nil {
			if s.metrics != nil {
				s.metrics.WebhookEvents.WithLabelValues("signature", "rejected").Inc()
			}
			respondError(w, http.StatusForbidden, "invalid_signature", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleVoice answers a new call leg: greet the caller and start recording.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !s.submitTwilioEvent(w, r, protocol.EventVoiceStart) {
		return
	}
	tw := &telephony.Response{}
	tw.Say(greetingText, s.cfg.TwilioSayVoice)
	s.record(tw)
	respondTwiML(w, tw)
}

// handleRecorded is the Record action: the caller stopped talking. The
// recording is submitted here as well as from the status callback so a lost
// callback does not stall the turn; the second one acks as a duplicate.
func (s *Server) handleRecorded(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.PostForm.Get("RecordingUrl")) != "" {
		if !s.submitTwilioEvent(w, r, protocol.EventRecordingReady) {
			return
		}
	}
	tw := &telephony.Response{}
	tw.Say(holdText, s.cfg.TwilioSayVoice).
		Pause(s.cfg.HoldPause).
		Redirect(s.cfg.PublicBaseURL + "/twilio/listen")
	respondTwiML(w, tw)
}

// handleListen resumes recording when no reply redirected the call during
// the hold.
func (s *Server) handleListen(w http.ResponseWriter, _ *http.Request) {
	tw := &telephony.Response{}
	s.record(tw)
	respondTwiML(w, tw)
}

// handleSpeak reads a reply to the caller and keeps the conversation going.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.Form.Get("text"))
	if text == "" {
		text = defaultSpeakText
	}
	tw := &telephony.Response{}
	tw.Say(text, s.cfg.TwilioSayVoice)
	s.record(tw)
	respondTwiML(w, tw)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	s.handleCallbackEvent(w, r, protocol.EventRecordingReady)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.handleCallbackEvent(w, r, protocol.EventStatusCallback)
}

// handleCallbackEvent serves webhooks whose response body Twilio ignores.
func (s *Server) handleCallbackEvent(w http.ResponseWriter, r *http.Request, t protocol.EventType) {
	ev, err := protocol.ParseTwilioForm(t, r.PostForm)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	ack, err := s.orchestrator.HandleEvent(r.Context(), ev)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

// submitTwilioEvent feeds a TwiML webhook to the orchestrator. It writes an
// error response and returns false only when the request carries no usable
// event envelope.
func (s *Server) submitTwilioEvent(w http.ResponseWriter, r *http.Request, t protocol.EventType) bool {
	ev, err := protocol.ParseTwilioForm(t, r.PostForm)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return false
	}
	ack, err := s.orchestrator.HandleEvent(r.Context(), ev)
	if err != nil && !errors.Is(err, protocol.ErrInvalidEvent) {
		log.Printf("twilio %s event failed: %v", t, err)
	}
	if ack.Status == protocol.AckRejected {
		log.Printf("twilio %s event rejected: call=%s reason=%s", t, ev.SessionID, ack.Reason)
	}
	return true
}

func (s *Server) record(tw *telephony.Response) {
	tw.Record(telephony.RecordOptions{
		Action:         s.cfg.PublicBaseURL + "/twilio/recorded",
		StatusCallback: s.cfg.PublicBaseURL + "/twilio/recording",
		SilenceTimeout: s.cfg.RecordSilenceTimeout,
		MaxLength:      s.cfg.RecordMaxLength,
		PlayBeep:       true,
	})
}

func respondTwiML(w http.ResponseWriter, tw *telephony.Response) {
	body, err := tw.Render()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_render_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
