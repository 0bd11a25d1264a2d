package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIBaseURL = "https://api.openai.com"

// SessionRequest holds the parameters negotiated when a Realtime session is
// minted. Everything here is fixed for the session's lifetime; the websocket
// dialled with the resulting client secret inherits it all.
type SessionRequest struct {
	Model             string         `json:"model"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// MintedSession is the result of a session-mint call: the session id and the
// single-use client secret that authenticates the websocket.
type MintedSession struct {
	ID           string
	ClientSecret string
	ExpiresAt    time.Time
}

// MinterOption is a functional option for configuring a [SessionMinter].
type MinterOption func(*SessionMinter)

// WithAPIBaseURL overrides the REST endpoint. Primarily used in tests.
func WithAPIBaseURL(url string) MinterOption {
	return func(m *SessionMinter) { m.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for mint calls.
func WithHTTPClient(c *http.Client) MinterOption {
	return func(m *SessionMinter) { m.httpc = c }
}

// SessionMinter creates Realtime sessions through the REST API. The session
// is minted before the telephony media socket connects so no negotiation
// latency lands inside the call; the returned client secret travels to the
// websocket endpoint as a route parameter.
type SessionMinter struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

// NewSessionMinter creates a SessionMinter authenticated with the given
// long-lived API key.
func NewSessionMinter(apiKey string, opts ...MinterOption) *SessionMinter {
	m := &SessionMinter{
		apiKey:  apiKey,
		baseURL: defaultAPIBaseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// mintResponse is the subset of the sessions endpoint response we consume.
type mintResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint creates a new Realtime session and returns its client secret.
func (m *SessionMinter) Mint(ctx context.Context, req SessionRequest) (MintedSession, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return MintedSession{}, fmt.Errorf("realtime: marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/v1/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return MintedSession{}, fmt.Errorf("realtime: build session request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(betaHeaderName, betaHeaderVal)

	resp, err := m.httpc.Do(httpReq)
	if err != nil {
		return MintedSession{}, fmt.Errorf("realtime: mint session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return MintedSession{}, fmt.Errorf("realtime: mint session: status %d: %s", resp.StatusCode, snippet)
	}

	var mr mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return MintedSession{}, fmt.Errorf("realtime: decode session response: %w", err)
	}
	if mr.ClientSecret.Value == "" {
		return MintedSession{}, fmt.Errorf("realtime: session response missing client secret")
	}

	return MintedSession{
		ID:           mr.ID,
		ClientSecret: mr.ClientSecret.Value,
		ExpiresAt:    time.Unix(mr.ClientSecret.ExpiresAt, 0),
	}, nil
}
