package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/ent0n29/voicecall/internal/audio"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/reliability"
)

const maxRecordingBytes = 50 << 20

// HTTPFetcher downloads recordings over HTTP. Credentials are sent only to
// hosts listed in AuthHosts.
type HTTPFetcher struct {
	client    *http.Client
	username  string
	password  string
	authHosts []string
}

func NewHTTPFetcher(client *http.Client, username, password string, authHosts ...string) *HTTPFetcher {
	if client == nil {
		client = observability.NewHTTPClient("recording fetch")
	}
	if len(authHosts) == 0 {
		authHosts = []string{"twilio.com"}
	}
	return &HTTPFetcher{client: client, username: username, password: password, authHosts: authHosts}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (Audio, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return Audio{}, reliability.Permanent(fmt.Errorf("parse recording url: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Audio{}, reliability.Permanent(err)
	}
	if f.username != "" && f.hostNeedsAuth(u.Hostname()) {
		req.SetBasicAuth(f.username, f.password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("fetch recording: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return Audio{}, reliability.Permanent(err)
		}
		return Audio{}, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
	if err != nil {
		return Audio{}, fmt.Errorf("read recording: %w", err)
	}
	if len(data) > maxRecordingBytes {
		return Audio{}, reliability.Permanent(errors.New("recording exceeds size limit"))
	}
	if len(data) == 0 {
		return Audio{}, errors.New("recording is empty")
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "recording"
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = audio.Sniff(data).ContentType()
	}
	return Audio{Data: data, Name: name, ContentType: contentType}, nil
}

func (f *HTTPFetcher) hostNeedsAuth(host string) bool {
	host = strings.ToLower(host)
	for _, h := range f.authHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	return false
}
