package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWhisperHTTPRecognize(t *testing.T) {
	var gotFile []byte
	var gotName, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		gotName = hdr.Filename
		gotFile, _ = io.ReadAll(f)
		gotFormat = r.FormValue("response_format")
		_, _ = w.Write([]byte(`{"text":" what time is it? "}`))
	}))
	defer srv.Close()

	w := NewWhisperHTTP(srv.URL+"/transcriptions", "", srv.Client())
	text, err := w.Recognize(context.Background(), Audio{Data: []byte("RIFFdata"), Name: "RE1.wav", ContentType: "audio/wav"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if text != "what time is it?" {
		t.Fatalf("text = %q", text)
	}
	if gotName != "RE1.wav" || string(gotFile) != "RIFFdata" || gotFormat != "json" {
		t.Fatalf("upload = %q %q %q", gotName, gotFile, gotFormat)
	}
}

func TestWhisperHTTPErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()
	w := NewWhisperHTTP(srv.URL, "en", srv.Client())
	a := Audio{Data: []byte("x")}

	if _, err := w.Recognize(context.Background(), a); err == nil || !isPermanent(err) {
		t.Fatalf("400 error = %v, want permanent", err)
	}
	status = http.StatusServiceUnavailable
	if _, err := w.Recognize(context.Background(), a); err == nil || isPermanent(err) {
		t.Fatalf("503 error = %v, want retryable", err)
	}
	if _, err := w.Recognize(context.Background(), Audio{}); err == nil || !isPermanent(err) {
		t.Fatalf("empty audio error = %v, want permanent", err)
	}
}
