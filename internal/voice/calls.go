package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicecall/internal/policy"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/telephony"
)

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// StartCall places an outbound call and starts tracking it. callbackURL is
// the TwiML endpoint the provider fetches when the callee answers; it
// defaults to our own voice webhook.
func (o *Orchestrator) StartCall(ctx context.Context, to, from, callbackURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "voice start call")
	defer span.End()

	normalized, err := policy.NormalizeE164(to)
	if err != nil {
		return "", err
	}
	if d := policy.DecideDial(normalized, o.cfg.AllowedDialPrefixes); !d.Allowed {
		return "", fmt.Errorf("%w: %s", telephony.ErrInvalidNumber, d.Reason)
	}
	if strings.TrimSpace(from) == "" {
		from = o.cfg.FromNumber
	}
	if from, err = policy.NormalizeE164(from); err != nil {
		return "", err
	}
	if strings.TrimSpace(callbackURL) == "" {
		if o.cfg.PublicBaseURL == "" {
			return "", fmt.Errorf("no callback url and no public base url configured")
		}
		callbackURL = o.cfg.PublicBaseURL + "/twilio/voice"
	}
	params := &telephony.MakeCallParams{
		To:     normalized,
		From:   from,
		URL:    callbackURL,
		Method: "POST",
	}
	if o.cfg.PublicBaseURL != "" {
		params.StatusCallback = o.cfg.PublicBaseURL + "/twilio/status"
		params.StatusCallbackEvent = statusCallbackEvents
	}

	call, err := o.calls.MakeCall(ctx, params)
	if err != nil {
		o.countProviderError("telephony", "make_call")
		return "", err
	}

	s, _ := o.sessions.GetOrCreate(session.CreateParams{
		SessionID:  call.SID,
		From:       from,
		To:         normalized,
		Direction:  session.DirectionOutbound,
		CallStatus: call.Status,
	})
	if _, opened, err := o.sessions.OpenTurn(s.ID); err == nil && opened {
		o.countTransition(session.TurnAwaitingRecording)
	}
	o.countSessionEvent("created")
	logger.InfoContext(ctx, "outbound call placed", "session_id", s.ID, "status", call.Status)
	return s.ID, nil
}

// EndCall ends a session and hangs up its call leg if it is still live.
func (o *Orchestrator) EndCall(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == session.StatusActive && protocol.LiveCallStatus(s.CallStatus) && o.calls != nil {
		if _, err := o.calls.HangupCall(ctx, sessionID); err != nil {
			logger.WarnContext(ctx, "hangup failed", "session_id", sessionID, "error", err)
		}
	}
	o.endSession(ctx, sessionID, "operator-ended")
	return o.sessions.Get(sessionID)
}
