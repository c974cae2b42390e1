package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultVoice    = "am_adam"
	defaultLangCode = "a"
)

var errWorkerClosed = errors.New("kokoro worker closed")

// KokoroWorker drives a long-lived Kokoro TTS process over JSON lines on
// stdin/stdout. One request is in flight at a time.
type KokoroWorker struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	stderr *bytes.Buffer
	lang   string
	seq    atomic.Uint64
	closed bool
}

type kokoroRequest struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	LangCode string  `json:"lang_code"`
	Speed    float64 `json:"speed"`
}

type kokoroResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
	Error       string `json:"error"`
}

// StartKokoroWorker launches the worker script and waits for a warmup
// synthesis so missing Python dependencies fail at startup.
func StartKokoroWorker(ctx context.Context, python, script, lang string) (*KokoroWorker, error) {
	if strings.TrimSpace(python) == "" {
		python = "python3"
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("kokoro worker script not found: %s", script)
	}
	cmd := exec.Command(python, "-u", script)
	cmd.Env = append(os.Environ(), "PYTORCH_ENABLE_MPS_FALLBACK=1")
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	return startWorker(ctx, cmd, stdin, stdout, stderr, lang)
}

func startWorker(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, stderr *bytes.Buffer, lang string) (*KokoroWorker, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(lang) == "" {
		lang = defaultLangCode
	}
	w := &KokoroWorker{cmd: cmd, stdin: stdin, dec: json.NewDecoder(stdout), stderr: stderr, lang: lang}

	wctx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()
	if _, err := w.Synthesize(wctx, "warmup", DefaultVoice); err != nil {
		_ = w.Close()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("kokoro worker failed to start: %s", msg)
	}
	return w, nil
}

func (w *KokoroWorker) Synthesize(ctx context.Context, text, voice string) (Clip, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Clip{}, errWorkerClosed
	}
	if strings.TrimSpace(voice) == "" {
		voice = DefaultVoice
	}

	id := fmt.Sprintf("req-%d", w.seq.Add(1))
	b, err := json.Marshal(kokoroRequest{ID: id, Text: text, Voice: voice, LangCode: w.lang, Speed: 1.0})
	if err != nil {
		return Clip{}, err
	}
	if _, err := w.stdin.Write(append(b, '\n')); err != nil {
		return Clip{}, fmt.Errorf("write kokoro request: %w", err)
	}

	done := make(chan error, 1)
	var resp kokoroResponse
	go func() { done <- w.dec.Decode(&resp) }()
	select {
	case err := <-done:
		if err != nil {
			return Clip{}, fmt.Errorf("read kokoro response: %w", err)
		}
	case <-ctx.Done():
		// The stream is now out of step; the worker cannot be reused.
		w.closeLocked()
		return Clip{}, ctx.Err()
	}

	if resp.ID != id {
		return Clip{}, fmt.Errorf("kokoro worker out of sync (got %q, want %q)", resp.ID, id)
	}
	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "unknown kokoro error"
		}
		return Clip{}, errors.New(msg)
	}
	format := strings.TrimSpace(resp.Format)
	if format == "" {
		format = "wav_24000"
	}
	data, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return Clip{}, fmt.Errorf("decode audio_base64: %w", err)
	}
	return Clip{Data: data, Format: format}, nil
}

func (w *KokoroWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
	return nil
}

func (w *KokoroWorker) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	cmd := w.cmd
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-exited
	case <-exited:
	}
}
