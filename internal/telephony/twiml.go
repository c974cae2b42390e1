package telephony

import (
	"encoding/xml"
	"strconv"
	"time"
)

// Response is a TwiML document. Verbs are rendered in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Record struct {
	XMLName                      xml.Name `xml:"Record"`
	Action                       string   `xml:"action,attr,omitempty"`
	Method                       string   `xml:"method,attr,omitempty"`
	Timeout                      string   `xml:"timeout,attr,omitempty"`
	MaxLength                    string   `xml:"maxLength,attr,omitempty"`
	PlayBeep                     string   `xml:"playBeep,attr,omitempty"`
	RecordingStatusCallback      string   `xml:"recordingStatusCallback,attr,omitempty"`
	RecordingStatusCallbackEvent string   `xml:"recordingStatusCallbackEvent,attr,omitempty"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  string   `xml:"length,attr,omitempty"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Render marshals the document with the XML header Twilio expects.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func (r *Response) Say(text, voice string) *Response {
	r.Verbs = append(r.Verbs, Say{Text: text, Voice: voice})
	return r
}

func (r *Response) Pause(d time.Duration) *Response {
	r.Verbs = append(r.Verbs, Pause{Length: seconds(d)})
	return r
}

func (r *Response) Redirect(url string) *Response {
	r.Verbs = append(r.Verbs, Redirect{URL: url, Method: "POST"})
	return r
}

func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// RecordOptions controls a caller recording.
type RecordOptions struct {
	// Action receives the call once recording stops.
	Action string
	// StatusCallback receives the recording-ready webhook.
	StatusCallback string
	SilenceTimeout time.Duration
	MaxLength      time.Duration
	PlayBeep       bool
}

func (r *Response) Record(opts RecordOptions) *Response {
	rec := Record{
		Action:                  opts.Action,
		Method:                  "POST",
		RecordingStatusCallback: opts.StatusCallback,
		PlayBeep:                strconv.FormatBool(opts.PlayBeep),
	}
	if opts.StatusCallback != "" {
		rec.RecordingStatusCallbackEvent = "completed"
	}
	if opts.SilenceTimeout > 0 {
		rec.Timeout = seconds(opts.SilenceTimeout)
	}
	if opts.MaxLength > 0 {
		rec.MaxLength = seconds(opts.MaxLength)
	}
	r.Verbs = append(r.Verbs, rec)
	return r
}

func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
