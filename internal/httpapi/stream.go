package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// handleCallWS streams turn updates for one call. The stream starts with the
// current turns, then follows the store until the session ends or the
// client disconnects.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	// Subscribe before taking the snapshot so no update falls in between.
	updates, unsubscribe, err := s.orchestrator.Subscribe(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	defer unsubscribe()
	sess, err := s.orchestrator.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countSessionEvent("ws_connected")
	defer s.countSessionEvent("ws_disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only services control frames and notices disconnects.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg any, t protocol.MessageType) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
		return true
	}

	if !write(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "subscribed",
		Detail:    string(sess.Status),
	}, protocol.TypeSystemEvent) {
		return
	}
	// Highest state rank sent per turn. Updates queued between Subscribe
	// and the snapshot are skipped when the snapshot already covered them.
	sent := make(map[string]int, len(sess.Turns))
	for i := range sess.Turns {
		if !write(turnUpdate(sessionID, sess.Turns[i], sess.Turns[i].UpdatedAt), protocol.TypeTurnUpdate) {
			return
		}
		sent[sess.Turns[i].ID] = sess.Turns[i].State.Rank()
	}
	if sess.Status == session.StatusEnded {
		write(sessionEnded(sess.ID, sess.CallStatus, sess.EndedAt), protocol.TypeSessionEnded)
		closeNormal(conn)
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				closeNormal(conn)
				return
			}
			if u.Turn != nil {
				rank := u.Turn.State.Rank()
				if rank <= sent[u.Turn.ID] {
					continue
				}
				if !write(turnUpdate(sessionID, *u.Turn, u.At), protocol.TypeTurnUpdate) {
					return
				}
				sent[u.Turn.ID] = rank
				continue
			}
			if u.Status == session.StatusEnded {
				callStatus := ""
				if latest, err := s.orchestrator.Get(sessionID); err == nil {
					callStatus = latest.CallStatus
				}
				write(sessionEnded(sessionID, callStatus, u.At), protocol.TypeSessionEnded)
				closeNormal(conn)
				return
			}
		}
	}
}

func turnUpdate(sessionID string, t session.Turn, at time.Time) protocol.TurnUpdate {
	return protocol.TurnUpdate{
		Type:       protocol.TypeTurnUpdate,
		SessionID:  sessionID,
		TurnID:     t.ID,
		Index:      t.Index,
		State:      string(t.State),
		Failure:    string(t.Failure),
		Transcript: t.Transcript,
		Reply:      t.Reply,
		SpeechPath: string(t.SpeechPath),
		At:         at,
	}
}

func sessionEnded(sessionID, callStatus string, at time.Time) protocol.SessionEnded {
	return protocol.SessionEnded{
		Type:       protocol.TypeSessionEnded,
		SessionID:  sessionID,
		CallStatus: callStatus,
		At:         at,
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}
