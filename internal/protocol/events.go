package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventType identifies provider webhook events that drive a call.
type EventType string

const (
	EventVoiceStart     EventType = "voice-start"
	EventRecordingReady EventType = "recording-ready"
	EventStatusCallback EventType = "status-callback"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is a normalized telephony webhook.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"session_id"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Direction    string    `json:"direction,omitempty"`
	RecordingRef string    `json:"recording_ref,omitempty"`
	RecordingID  string    `json:"recording_id,omitempty"`
	CallStatus   string    `json:"call_status,omitempty"`
	ReceivedAt   time.Time `json:"received_at,omitzero"`
}

// Validate checks the envelope: a known type and a session id. Payload
// checks that depend on session state happen in the orchestrator.
func (e Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventVoiceStart, EventRecordingReady:
		return nil
	case EventStatusCallback:
		if strings.TrimSpace(e.CallStatus) == "" {
			return fmt.Errorf("%w: missing call status", ErrInvalidEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

// Outbound reports whether the provider placed the call on our behalf.
func (e Event) Outbound() bool {
	return strings.HasPrefix(strings.ToLower(e.Direction), "outbound")
}

// ParseTwilioForm maps a Twilio webhook form body onto an Event.
func ParseTwilioForm(t EventType, form url.Values) (Event, error) {
	ev := Event{
		Type:        t,
		SessionID:   strings.TrimSpace(form.Get("CallSid")),
		From:        strings.TrimSpace(form.Get("From")),
		To:          strings.TrimSpace(form.Get("To")),
		Direction:   strings.TrimSpace(form.Get("Direction")),
		RecordingID: strings.TrimSpace(form.Get("RecordingSid")),
		CallStatus:  strings.TrimSpace(form.Get("CallStatus")),
		ReceivedAt:  time.Now().UTC(),
	}
	if ref := strings.TrimSpace(form.Get("RecordingUrl")); ref != "" {
		ev.RecordingRef = RecordingMediaURL(ref)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// RecordingMediaURL turns a Twilio recording resource URL into a download
// URL for the mp3 rendition.
func RecordingMediaURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ref
	}
	lower := strings.ToLower(u.Path)
	if strings.HasSuffix(lower, ".mp3") || strings.HasSuffix(lower, ".wav") {
		return ref
	}
	u.Path += ".mp3"
	return u.String()
}

// ParseEvent decodes a JSON event as accepted by the operator events API.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// TerminalCallStatus reports whether a provider call status means the call
// leg is over.
func TerminalCallStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	default:
		return false
	}
}

// LiveCallStatus reports whether the call can still be redirected.
func LiveCallStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "in-progress", "ringing", "queued", "":
		return true
	default:
		return false
	}
}
