package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMakeCallSendsFormWithBasicAuth(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotForm map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA999","status":"queued","to":"+15550002222","from":"+15550001111"}`))
	}))
	defer ts.Close()

	c, err := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: ts.URL, HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	call, err := c.MakeCall(context.Background(), &MakeCallParams{
		To:                  "+15550002222",
		From:                "+15550001111",
		URL:                 "https://example.test/twilio/voice",
		StatusCallback:      "https://example.test/twilio/status",
		StatusCallbackEvent: []string{"answered", "completed"},
	})
	if err != nil {
		t.Fatalf("MakeCall() error = %v", err)
	}
	if call.SID != "CA999" {
		t.Fatalf("SID = %q, want CA999", call.SID)
	}
	if gotPath != "/Accounts/AC1/Calls.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotUser != "AC1" || gotPass != "secret" {
		t.Fatalf("basic auth = %q/%q", gotUser, gotPass)
	}
	if gotForm["Url"][0] != "https://example.test/twilio/voice" || len(gotForm["StatusCallbackEvent"]) != 2 {
		t.Fatalf("unexpected form: %v", gotForm)
	}
}

func TestAPIErrorsMapToSentinels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer ts.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: ts.URL, HTTPClient: ts.Client()})
	_, err := c.MakeCall(context.Background(), &MakeCallParams{To: "+1", From: "+15550001111", URL: "https://x"})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("error = %v, want ErrProviderRejected", err)
	}
	if !errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("error = %v, want ErrInvalidNumber", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != 21211 {
		t.Fatalf("errors.As = %+v", apiErr)
	}
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer ts.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: ts.URL, HTTPClient: ts.Client()})
	_, err := c.UpdateCall(context.Background(), "CA1", &UpdateCallParams{Status: "completed"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("502 should not classify as invalid number")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{AuthToken: "x"}); err == nil {
		t.Fatalf("New() without sid error = nil")
	}
	if _, err := New(Config{AccountSID: "AC1"}); err == nil {
		t.Fatalf("New() without token error = nil")
	}
}
