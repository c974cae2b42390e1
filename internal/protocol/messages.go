package protocol

import "time"

// MessageType identifies websocket payload variants sent to call watchers.
type MessageType string

const (
	TypeTurnUpdate   MessageType = "turn_update"
	TypeSessionEnded MessageType = "session_ended"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

type TurnUpdate struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Index      int         `json:"index"`
	State      string      `json:"state"`
	Failure    string      `json:"failure,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Reply      string      `json:"reply,omitempty"`
	SpeechPath string      `json:"speech_path,omitempty"`
	At         time.Time   `json:"at"`
}

type SessionEnded struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	CallStatus string      `json:"call_status,omitempty"`
	At         time.Time   `json:"at"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDuplicate AckStatus = "duplicate"
	AckRejected  AckStatus = "rejected"
	AckIgnored   AckStatus = "ignored"
)

// Ack is the orchestrator's synchronous answer to an event.
type Ack struct {
	Status    AckStatus `json:"status"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
