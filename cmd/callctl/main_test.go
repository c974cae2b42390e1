package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/protocol"
)

func TestWSURLForCall(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/calls/CA1/ws"},
		{"https://voice.example.com/api/", "wss://voice.example.com/api/v1/calls/CA1/ws"},
	}
	for _, tc := range cases {
		got, err := wsURLForCall(tc.base, "CA1")
		if err != nil {
			t.Fatalf("wsURLForCall(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLForCall(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
	if _, err := wsURLForCall("ftp://host", "CA1"); err == nil {
		t.Fatalf("wsURLForCall(ftp) error = nil, want unsupported scheme")
	}
}

func TestDialAndWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dialBodies := make(chan map[string]string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/calls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		dialBodies <- body
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": "CA9", "call_status": "queued"})
	})
	mux.HandleFunc("GET /v1/calls/CA9/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.TurnUpdate{Type: protocol.TypeTurnUpdate, Index: 1, State: "complete", Transcript: "hi", Reply: "hello", SpeechPath: "provider"})
		_ = conn.WriteJSON(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: "CA9", CallStatus: "completed"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-base-url", ts.URL, "dial", "-to", "+15557654321", "-watch"}, &out); err != nil {
		t.Fatalf("run(dial) error = %v", err)
	}
	if dialBody := <-dialBodies; dialBody["to"] != "+15557654321" {
		t.Fatalf("dial body = %v, want to=+15557654321", dialBody)
	}
	got := out.String()
	for _, want := range []string{"session=CA9", `turn 1 complete heard="hi" reply="hello" via=provider`, "call ended (completed)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestReplaySubmitsEvent(t *testing.T) {
	events := make(chan protocol.Event, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" {
			http.NotFound(w, r)
			return
		}
		var ev protocol.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		events <- ev
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(protocol.Ack{Status: protocol.AckAccepted, SessionID: ev.SessionID, TurnID: "t1"})
	}))
	defer ts.Close()

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-base-url", ts.URL, "replay", "CA1", "/tmp/turn.wav"}, &out); err != nil {
		t.Fatalf("run(replay) error = %v", err)
	}
	if ev := <-events; ev.Type != protocol.EventRecordingReady || ev.RecordingRef != "/tmp/turn.wav" {
		t.Fatalf("event = %+v, want recording-ready for /tmp/turn.wav", ev)
	}
	if !strings.Contains(out.String(), "recording accepted: turn=t1") {
		t.Fatalf("output = %q, want accepted ack", out.String())
	}
}

func TestTokenIsSentAsBearer(t *testing.T) {
	auth := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": "CA1", "status": "ended"})
	}))
	defer ts.Close()

	if err := run(context.Background(), []string{"-base-url", ts.URL, "-token", "op-secret", "end", "CA1"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("run(end) error = %v", err)
	}
	if got := <-auth; got != "Bearer op-secret" {
		t.Fatalf("Authorization = %q, want Bearer op-secret", got)
	}
}

func TestEndReportsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"session not found","code":"session_not_found"}`))
	}))
	defer ts.Close()

	err := run(context.Background(), []string{"-base-url", ts.URL, "end", "CAmissing"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "session_not_found") {
		t.Fatalf("run(end) error = %v, want session_not_found", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"teleport"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("run(teleport) error = nil, want usage error")
	}
	if err := run(context.Background(), nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("run() error = nil, want usage error")
	}
}
