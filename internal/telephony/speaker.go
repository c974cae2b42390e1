package telephony

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// CallAPI is the part of Client the speaker and the orchestrator use.
type CallAPI interface {
	MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error)
	UpdateCall(ctx context.Context, callSID string, params *UpdateCallParams) (*Call, error)
}

// SpeakTarget identifies where a provider speak-back goes.
type SpeakTarget struct {
	CallSID      string
	RemoteNumber string
	// Live is true while the call leg can still be redirected.
	Live bool
}

// Twilio rejects callback URLs over 4000 characters.
const maxSpeakTextRunes = 1200

// Speaker reads replies to callers through the provider's own TTS.
type Speaker struct {
	api        CallAPI
	from       string
	publicBase string
}

func NewSpeaker(api CallAPI, from, publicBaseURL string) *Speaker {
	return &Speaker{
		api:        api,
		from:       from,
		publicBase: strings.TrimRight(publicBaseURL, "/"),
	}
}

// SpeakBack redirects a live call to the speak endpoint, or places a new
// call to the remote party when the original leg is gone. It makes exactly
// one provider request.
func (s *Speaker) SpeakBack(ctx context.Context, target SpeakTarget, text string) error {
	speakURL := SpeakURL(s.publicBase, text)
	if target.Live && target.CallSID != "" {
		if _, err := s.api.UpdateCall(ctx, target.CallSID, &UpdateCallParams{URL: speakURL, Method: "POST"}); err != nil {
			return fmt.Errorf("redirect call %s: %w", target.CallSID, err)
		}
		logger.InfoContext(ctx, "speak-back redirected live call", "call_sid", target.CallSID)
		return nil
	}
	if strings.TrimSpace(target.RemoteNumber) == "" {
		return fmt.Errorf("%w: no remote party to call back", ErrInvalidNumber)
	}
	call, err := s.api.MakeCall(ctx, &MakeCallParams{
		To:     target.RemoteNumber,
		From:   s.from,
		URL:    speakURL,
		Method: "POST",
	})
	if err != nil {
		return fmt.Errorf("call back %s: %w", target.RemoteNumber, err)
	}
	logger.InfoContext(ctx, "speak-back placed callback", "call_sid", call.SID)
	return nil
}

// SpeakURL builds the TwiML endpoint URL that reads text aloud.
func SpeakURL(publicBase, text string) string {
	if utf8.RuneCountInString(text) > maxSpeakTextRunes {
		r := []rune(text)
		text = string(r[:maxSpeakTextRunes])
	}
	q := url.Values{}
	q.Set("text", text)
	return strings.TrimRight(publicBase, "/") + "/twilio/speak?" + q.Encode()
}
