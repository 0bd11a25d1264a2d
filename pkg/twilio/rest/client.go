// Package rest is a minimal client for the Twilio REST API, covering only
// outbound call creation. Requests use HTTP basic auth with the account SID
// and auth token, form-encoded bodies, and JSON responses, per Twilio's
// 2010-04-01 API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// Client issues authenticated requests against one Twilio account.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpc      *http.Client
}

// New creates a Client for the given account credentials.
func New(accountSID, authToken string, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpc:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CallParams are the parameters for creating an outbound call.
type CallParams struct {
	// To is the destination number in E.164 form.
	To string

	// From is the caller ID, a Twilio number owned by the account.
	From string

	// URL is the webhook Twilio requests for TwiML once the call connects.
	URL string

	// StatusCallback optionally receives call progress callbacks.
	StatusCallback string
}

// Call is the subset of Twilio's call resource the bridge consumes.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// CreateCall places an outbound call that fetches its TwiML from params.URL.
func (c *Client) CreateCall(ctx context.Context, params CallParams) (Call, error) {
	form := url.Values{}
	form.Set("To", params.To)
	form.Set("From", params.From)
	form.Set("Url", params.URL)
	if params.StatusCallback != "" {
		form.Set("StatusCallback", params.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Call{}, fmt.Errorf("twilio: build create call request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Call{}, fmt.Errorf("twilio: create call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Call{}, fmt.Errorf("twilio: create call: status %d: %s", resp.StatusCode, snippet)
	}

	var call Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return Call{}, fmt.Errorf("twilio: decode call resource: %w", err)
	}
	return call, nil
}
