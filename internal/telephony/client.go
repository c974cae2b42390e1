package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/policy"
)

var (
	ErrProviderRejected = errors.New("telephony provider rejected request")
	ErrInvalidNumber    = policy.ErrInvalidNumber
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Client is a Twilio REST API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("twilio account sid is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("twilio auth token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = observability.NewHTTPClient("twilio")
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

func (c *Client) AccountSID() string { return c.accountSID }

// Call is the subset of the Twilio call resource we read.
type Call struct {
	SID        string `json:"sid"`
	AccountSID string `json:"account_sid"`
	To         string `json:"to"`
	From       string `json:"from"`
	Status     string `json:"status"`
	Direction  string `json:"direction"`
	Duration   string `json:"duration"`
}

type MakeCallParams struct {
	To                  string
	From                string
	URL                 string
	Method              string
	StatusCallback      string
	StatusCallbackEvent []string
	Timeout             int
}

// MakeCall places an outbound call that fetches its TwiML from URL.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	ctx, span := tracer.Start(ctx, "twilio make call")
	defer span.End()

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	data.Set("Url", params.URL)
	if params.Method != "" {
		data.Set("Method", params.Method)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
		for _, ev := range params.StatusCallbackEvent {
			data.Add("StatusCallbackEvent", ev)
		}
	}
	if params.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(params.Timeout))
	}

	var call Call
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		observability.FailSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("call.sid", call.SID), attribute.String("call.status", call.Status))
	return &call, nil
}

func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	ctx, span := tracer.Start(ctx, "twilio get call")
	defer span.End()

	var call Call
	if err := c.get(ctx, c.callEndpoint(callSID), &call); err != nil {
		observability.FailSpan(span, err)
		return nil, err
	}
	return &call, nil
}

type UpdateCallParams struct {
	URL    string
	Method string
	Status string
}

// UpdateCall redirects or ends an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params *UpdateCallParams) (*Call, error) {
	ctx, span := tracer.Start(ctx, "twilio update call")
	defer span.End()
	span.SetAttributes(attribute.String("call.sid", callSID))

	data := url.Values{}
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Method != "" {
		data.Set("Method", params.Method)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}

	var call Call
	if err := c.post(ctx, c.callEndpoint(callSID), data, &call); err != nil {
		observability.FailSpan(span, err)
		return nil, err
	}
	return &call, nil
}

func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, &UpdateCallParams{Status: "completed"})
}

func (c *Client) callEndpoint(callSID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))
}

// Error is a Twilio API error body.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// Is lets callers match API errors against ErrProviderRejected and, for
// number validation codes, ErrInvalidNumber.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProviderRejected:
		return true
	case ErrInvalidNumber:
		return invalidNumberCode(e.Code)
	default:
		return false
	}
}

func invalidNumberCode(code int) bool {
	switch code {
	case 13223, 13224, 21211, 21214, 21217, 21401, 21407, 21421:
		return true
	default:
		return false
	}
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("twilio response read failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse twilio response: %w", err)
		}
	}
	return nil
}
