package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/protocol"
)

const usage = `usage: callctl [-base-url URL] [-token TOKEN] <command> [args]

commands:
  dial [-to NUMBER] [-from NUMBER] [-watch]   place an outbound call
  watch SESSION_ID                            stream turn updates
  end SESSION_ID                              end a call
  replay SESSION_ID RECORDING_REF             submit a recording-ready event
`

type client struct {
	baseURL string
	token   string
	http    *http.Client
	out     io.Writer
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type callResponse struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	CallStatus string `json:"call_status"`
	TurnCount  int    `json:"turn_count"`
}

// streamMessage holds the union of fields callctl prints from the call stream.
type streamMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	Index      int    `json:"index"`
	State      string `json:"state"`
	Failure    string `json:"failure"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	SpeechPath string `json:"speech_path"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
	CallStatus string `json:"call_status"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "callctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("callctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baseURL := fs.String("base-url", envOr("CALLCTL_BASE_URL", "http://127.0.0.1:8080"), "voicecall base URL")
	token := fs.String("token", envOr("CALLCTL_API_TOKEN", ""), "operator API token (APP_API_TOKEN on the server)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New(usage)
	}

	c := &client{
		baseURL: strings.TrimRight(strings.TrimSpace(*baseURL), "/"),
		token:   strings.TrimSpace(*token),
		http:    &http.Client{Timeout: 30 * time.Second},
		out:     out,
	}
	switch rest[0] {
	case "dial":
		return c.dial(ctx, rest[1:])
	case "watch":
		if len(rest) != 2 {
			return errors.New(usage)
		}
		return c.watch(ctx, rest[1])
	case "end":
		if len(rest) != 2 {
			return errors.New(usage)
		}
		return c.end(ctx, rest[1])
	case "replay":
		if len(rest) != 3 {
			return errors.New(usage)
		}
		return c.replay(ctx, rest[1], rest[2])
	default:
		return fmt.Errorf("unknown command %q\n%s", rest[0], usage)
	}
}

func (c *client) dial(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dial", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	to := fs.String("to", "", "destination number (defaults to MY_PHONE_NUMBER on the server)")
	from := fs.String("from", "", "caller id (defaults to TWILIO_PHONE_NUMBER on the server)")
	watch := fs.Bool("watch", false, "stream turn updates after dialing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var call callResponse
	body := map[string]string{"to": *to, "from": *from}
	if err := c.postJSON(ctx, "/v1/calls", body, http.StatusCreated, &call); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	fmt.Fprintf(c.out, "call placed: session=%s status=%s\n", call.SessionID, call.CallStatus)
	if !*watch {
		return nil
	}
	return c.watch(ctx, call.SessionID)
}

func (c *client) end(ctx context.Context, sessionID string) error {
	var call callResponse
	if err := c.postJSON(ctx, "/v1/calls/"+url.PathEscape(sessionID)+"/end", nil, http.StatusOK, &call); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	fmt.Fprintf(c.out, "call ended: session=%s turns=%d\n", call.SessionID, call.TurnCount)
	return nil
}

func (c *client) replay(ctx context.Context, sessionID, ref string) error {
	ev := protocol.Event{
		Type:         protocol.EventRecordingReady,
		SessionID:    sessionID,
		RecordingRef: ref,
	}
	var ack protocol.Ack
	if err := c.postJSON(ctx, "/v1/events", ev, http.StatusAccepted, &ack); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	fmt.Fprintf(c.out, "recording %s: turn=%s %s\n", ack.Status, ack.TurnID, ack.Reason)
	return nil
}

// watch prints turn updates until the call ends or ctx is canceled.
func (c *client) watch(ctx context.Context, sessionID string) error {
	wsURL, err := wsURLForCall(c.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, c.authHeader())
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-wctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if line := formatMessage(msg); line != "" {
			fmt.Fprintln(c.out, line)
		}
		if msg.Type == string(protocol.TypeSessionEnded) {
			return nil
		}
	}
}

func formatMessage(msg streamMessage) string {
	switch protocol.MessageType(msg.Type) {
	case protocol.TypeTurnUpdate:
		line := fmt.Sprintf("turn %d %s", msg.Index, msg.State)
		if msg.Failure != "" {
			line += " failure=" + msg.Failure
		}
		if msg.Transcript != "" {
			line += fmt.Sprintf(" heard=%q", msg.Transcript)
		}
		if msg.Reply != "" {
			line += fmt.Sprintf(" reply=%q", msg.Reply)
		}
		if msg.SpeechPath != "" && msg.SpeechPath != "none" {
			line += " via=" + msg.SpeechPath
		}
		return line
	case protocol.TypeSessionEnded:
		return fmt.Sprintf("call ended (%s)", msg.CallStatus)
	case protocol.TypeSystemEvent, protocol.TypeErrorEvent:
		return fmt.Sprintf("%s %s %s", msg.Type, msg.Code, msg.Detail)
	default:
		return ""
	}
}

func (c *client) postJSON(ctx context.Context, path string, in any, wantStatus int, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.authHeader() {
		req.Header[k] = v
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != wantStatus {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("HTTP %d %s: %s", res.StatusCode, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func (c *client) authHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func wsURLForCall(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/calls/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
