package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TurnState is a step of the record, transcribe, infer, speak cycle.
type TurnState string

const (
	TurnAwaitingRecording TurnState = "awaiting_recording"
	TurnRecordingReceived TurnState = "recording_received"
	TurnTranscribing      TurnState = "transcribing"
	TurnTranscribed       TurnState = "transcribed"
	TurnInferring         TurnState = "inferring"
	TurnInferred          TurnState = "inferred"
	TurnSpeaking          TurnState = "speaking"
	TurnComplete          TurnState = "complete"
	TurnFailed            TurnState = "failed"
)

var turnStateRank = map[TurnState]int{
	TurnAwaitingRecording: 1,
	TurnRecordingReceived: 2,
	TurnTranscribing:      3,
	TurnTranscribed:       4,
	TurnInferring:         5,
	TurnInferred:          6,
	TurnSpeaking:          7,
	TurnComplete:          8,
	TurnFailed:            8,
}

// Rank orders states along the cycle. Unknown states rank 0.
func (s TurnState) Rank() int { return turnStateRank[s] }

func (s TurnState) Terminal() bool {
	return s == TurnComplete || s == TurnFailed
}

// CanAdvanceTo reports whether moving from s to next goes strictly forward.
func (s TurnState) CanAdvanceTo(next TurnState) bool {
	if s.Terminal() || next.Rank() == 0 {
		return false
	}
	return next.Rank() > s.Rank()
}

// FailureKind names why a turn degraded or failed.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureFetch         FailureKind = "fetch_failed"
	FailureTranscription FailureKind = "transcription_failed"
	FailureInference     FailureKind = "inference_failed"
	FailureSpeechOutput  FailureKind = "speech_output_failed"
	FailureInvalidEvent  FailureKind = "invalid_event"
	FailureTimeout       FailureKind = "turn_timeout"
	FailureCallEnded     FailureKind = "call_ended"
	FailureOverloaded    FailureKind = "overloaded"
)

// SpeechPath records how a reply reached the caller.
type SpeechPath string

const (
	SpeechPathNone     SpeechPath = "none"
	SpeechPathLocal    SpeechPath = "local"
	SpeechPathProvider SpeechPath = "provider"
)

type Transition struct {
	State TurnState `json:"state"`
	At    time.Time `json:"at"`
}

// Turn is one record, transcribe, infer, speak cycle within a call.
type Turn struct {
	ID                 string       `json:"turn_id"`
	Index              int          `json:"index"`
	RecordingRef       string       `json:"recording_ref,omitempty"`
	Transcript         string       `json:"transcript,omitempty"`
	Reply              string       `json:"reply,omitempty"`
	State              TurnState    `json:"state"`
	Failure            FailureKind  `json:"failure,omitempty"`
	FetchAttempts      int          `json:"fetch_attempts"`
	TranscribeAttempts int          `json:"transcribe_attempts"`
	InferenceAttempts  int          `json:"inference_attempts"`
	SpeechAttempts     int          `json:"speech_attempts"`
	SpeechPath         SpeechPath   `json:"speech_path,omitempty"`
	History            []Transition `json:"history"`
	StartedAt          time.Time    `json:"started_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Session is the store's view of one phone call.
type Session struct {
	ID             string    `json:"session_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Direction      Direction `json:"direction"`
	CallStatus     string    `json:"call_status,omitempty"`
	Status         Status    `json:"status"`
	TurnCount      int       `json:"turn_count"`
	Turns          []Turn    `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

// RemoteParty is the number that is not ours.
func (s *Session) RemoteParty() string {
	if s.Direction == DirectionOutbound {
		return s.To
	}
	return s.From
}

// ActiveTurn returns the non-terminal turn, if any.
func (s *Session) ActiveTurn() (Turn, bool) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if !s.Turns[i].State.Terminal() {
			return s.Turns[i], true
		}
	}
	return Turn{}, false
}

// FindTurn looks a turn up by id.
func (s *Session) FindTurn(turnID string) (Turn, bool) {
	for _, t := range s.Turns {
		if t.ID == turnID {
			return t, true
		}
	}
	return Turn{}, false
}

// CreateParams describes a call the store should start tracking.
type CreateParams struct {
	SessionID  string
	From       string
	To         string
	Direction  Direction
	CallStatus string
}

// Update is published to subscribers whenever a turn or the session changes.
type Update struct {
	SessionID string    `json:"session_id"`
	Turn      *Turn     `json:"turn,omitempty"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
}
