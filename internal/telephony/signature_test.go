package telephony

import (
	"errors"
	"net/url"
	"testing"
)

func TestValidateSignature(t *testing.T) {
	token := "12345"
	fullURL := "https://voice.example.test/twilio/recording"
	params := url.Values{
		"CallSid":      {"CA1234567890ABCDE"},
		"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
		"From":         {"+14158675310"},
	}
	sig := ComputeSignature(token, fullURL, params)

	if err := ValidateSignature(token, fullURL, params, sig); err != nil {
		t.Fatalf("ValidateSignature() error = %v", err)
	}
	if err := ValidateSignature(token, fullURL, params, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("empty signature error = %v, want ErrMissingSignature", err)
	}

	tampered := url.Values{}
	for k, v := range params {
		tampered[k] = v
	}
	tampered.Set("RecordingUrl", "https://evil.test/rec")
	if err := ValidateSignature(token, fullURL, tampered, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered error = %v, want ErrInvalidSignature", err)
	}
	if err := ValidateSignature("other", fullURL, params, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong token error = %v, want ErrInvalidSignature", err)
	}
}

func TestComputeSignatureIgnoresParamOrder(t *testing.T) {
	a := url.Values{}
	a.Add("B", "2")
	a.Add("A", "1")
	b := url.Values{}
	b.Add("A", "1")
	b.Add("B", "2")
	if ComputeSignature("t", "https://x", a) != ComputeSignature("t", "https://x", b) {
		t.Fatalf("signature depends on insertion order")
	}
}
