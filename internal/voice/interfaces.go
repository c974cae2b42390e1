package voice

import (
	"context"

	"github.com/ent0n29/voicecall/internal/llm"
	"github.com/ent0n29/voicecall/internal/speech"
	"github.com/ent0n29/voicecall/internal/stt"
	"github.com/ent0n29/voicecall/internal/telephony"
)

// Transcriber is the transcription client boundary.
type Transcriber interface {
	Transcribe(ctx context.Context, ref string) (stt.Result, error)
}

// Responder is the inference client boundary.
type Responder interface {
	Reply(ctx context.Context, req llm.Request) (llm.Reply, error)
}

// SpeechOutput is the speech dispatcher boundary.
type SpeechOutput interface {
	Speak(ctx context.Context, target telephony.SpeakTarget, text string) (speech.Outcome, error)
}

// CallControl places and hangs up provider call legs.
type CallControl interface {
	MakeCall(ctx context.Context, params *telephony.MakeCallParams) (*telephony.Call, error)
	HangupCall(ctx context.Context, callSID string) (*telephony.Call, error)
}
