package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMint_Success(t *testing.T) {
	t.Parallel()

	var gotReq SessionRequest
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/realtime/sessions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1735689600}}`))
	}))
	t.Cleanup(srv.Close)

	m := NewSessionMinter("sk-test", WithAPIBaseURL(srv.URL))
	minted, err := m.Mint(context.Background(), SessionRequest{
		Model:             "gpt-4o-realtime-preview",
		Voice:             "alloy",
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     &TurnDetection{Type: "server_vad"},
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if minted.ID != "sess_1" || minted.ClientSecret != "ek_abc" {
		t.Errorf("minted = %+v", minted)
	}
	if want := time.Unix(1735689600, 0); !minted.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", minted.ExpiresAt, want)
	}
	if got := gotHeaders.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeaders.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if gotReq.Model != "gpt-4o-realtime-preview" || gotReq.InputAudioFormat != "g711_ulaw" {
		t.Errorf("session request = %+v", gotReq)
	}
	if gotReq.TurnDetection == nil || gotReq.TurnDetection.Type != "server_vad" {
		t.Errorf("turn detection = %+v", gotReq.TurnDetection)
	}
}

func TestMint_Non200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m := NewSessionMinter("sk-bad", WithAPIBaseURL(srv.URL))
	_, err := m.Mint(context.Background(), SessionRequest{Model: "gpt-4o-realtime-preview"})
	if err == nil {
		t.Fatal("Mint succeeded with 401")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("err = %v, want status in message", err)
	}
}

func TestMint_MissingSecret(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sess_1"}`))
	}))
	t.Cleanup(srv.Close)

	m := NewSessionMinter("sk-test", WithAPIBaseURL(srv.URL))
	_, err := m.Mint(context.Background(), SessionRequest{Model: "gpt-4o-realtime-preview"})
	if err == nil || !strings.Contains(err.Error(), "client secret") {
		t.Fatalf("err = %v, want missing client secret", err)
	}
}
