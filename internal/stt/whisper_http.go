package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/reliability"
)

// WhisperHTTP talks to a faster-whisper or whisper.cpp server that takes a
// multipart "file" upload and answers {"text": "..."}.
type WhisperHTTP struct {
	endpoint string
	language string
	client   *http.Client
}

func NewWhisperHTTP(endpoint, language string, client *http.Client) *WhisperHTTP {
	if client == nil {
		client = observability.NewHTTPClient("whisper")
	}
	return &WhisperHTTP{endpoint: strings.TrimSpace(endpoint), language: strings.TrimSpace(language), client: client}
}

func (w *WhisperHTTP) Recognize(ctx context.Context, a Audio) (string, error) {
	if len(a.Data) == 0 {
		return "", reliability.Permanent(fmt.Errorf("empty audio"))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName(a)))
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(a.Data); err != nil {
		return "", err
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if w.language != "" {
		_ = mw.WriteField("language", w.language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return "", reliability.Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("whisper HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", reliability.Permanent(err)
		}
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func fileName(a Audio) string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return "recording"
}
