package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/avernakis/trunkline/internal/bridge"
	"github.com/avernakis/trunkline/internal/calllog"
	"github.com/avernakis/trunkline/internal/config"
	"github.com/avernakis/trunkline/internal/observe"
	"github.com/avernakis/trunkline/internal/resilience"
	"github.com/avernakis/trunkline/pkg/twilio/rest"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			PublicHost: "bridge.example.com",
		},
		OpenAI: config.OpenAIConfig{
			APIKey: "sk-test",
			Model:  config.DefaultModel,
			Voice:  config.DefaultVoice,
		},
		Bridge: config.BridgeConfig{
			Greeting:         "greet the caller",
			BootstrapTimeout: 5 * time.Second,
		},
	}
}

// newTestServer builds a Server over an in-memory store with quiet logging.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *calllog.MemStore) {
	t.Helper()
	cfg := baseConfig()
	if mutate != nil {
		mutate(cfg)
	}
	log := slog.New(slog.DiscardHandler)
	met := testMetrics(t)
	store := calllog.NewMemStore()
	manager := bridge.NewManager(log, met)
	return New(cfg, log, met, manager, store), store
}

// startWS launches a test WebSocket server whose handler receives the
// accepted connection.
func startWS(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame into a generic map.
func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
	return m
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ── Webhook tests ─────────────────────────────────────────────────────────────

func TestIncomingCall_ReturnsConnectStreamTwiML(t *testing.T) {
	t.Parallel()

	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/sessions" {
			t.Errorf("mint path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("mint auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"secret123","expires_at":1900000000}}`))
	}))
	t.Cleanup(mint.Close)

	s, _ := newTestServer(t, func(c *config.Config) { c.OpenAI.APIBaseURL = mint.URL })
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	form := url.Values{"CallSid": {"CA0001"}, "From": {"+15550100001"}}
	resp, err := http.PostForm(app.URL+"/incoming-call", form)
	if err != nil {
		t.Fatalf("POST /incoming-call: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	xml := string(body)
	if !strings.Contains(xml, `<Connect><Stream url="wss://bridge.example.com/media-stream/secret123">`) {
		t.Errorf("twiml missing connect stream: %s", xml)
	}
}

func TestIncomingCall_MintFailureSpeaksRejection(t *testing.T) {
	t.Parallel()

	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(mint.Close)

	s, _ := newTestServer(t, func(c *config.Config) { c.OpenAI.APIBaseURL = mint.URL })
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	resp, err := http.PostForm(app.URL+"/incoming-call", url.Values{})
	if err != nil {
		t.Fatalf("POST /incoming-call: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (Twilio expects TwiML even on rejection)", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	xml := string(body)
	if !strings.Contains(xml, "<Say>") || !strings.Contains(xml, "<Hangup") {
		t.Errorf("rejection twiml = %s", xml)
	}
	if strings.Contains(xml, "<Connect>") {
		t.Errorf("rejection twiml contains Connect: %s", xml)
	}
}

func TestIncomingCall_OpenCircuitSkipsMint(t *testing.T) {
	t.Parallel()

	var mints atomic.Int64
	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mints.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(mint.Close)

	s, _ := newTestServer(t, func(c *config.Config) { c.OpenAI.APIBaseURL = mint.URL })
	s.mintBreaker = resilience.NewBreaker(resilience.Config{Name: "openai-mint", Trip: 1, CoolOff: time.Hour})
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	for i := 0; i < 3; i++ {
		resp, err := http.PostForm(app.URL+"/incoming-call", url.Values{})
		if err != nil {
			t.Fatalf("POST %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	}
	// The first failure trips the breaker; later calls never reach the API.
	if got := mints.Load(); got != 1 {
		t.Errorf("mint requests = %d, want 1", got)
	}

	// An open circuit also fails readiness.
	resp, err := http.Get(app.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503 while circuit open", resp.StatusCode)
	}
}

func TestCallStatus_Recorded(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	form := url.Values{
		"CallSid":      {"CA0001"},
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	}
	resp, err := http.PostForm(app.URL+"/call-status", form)
	if err != nil {
		t.Fatalf("POST /call-status: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	sts := store.Statuses()
	if len(sts) != 1 {
		t.Fatalf("statuses = %d, want 1", len(sts))
	}
	if sts[0].CallSID != "CA0001" || sts[0].Status != "completed" || sts[0].Duration != "42" {
		t.Errorf("status event = %+v", sts[0])
	}
}

func TestOutboundCall_NotConfigured(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	resp, err := http.Post(app.URL+"/calls", "application/json", strings.NewReader(`{"to":"+15550100002"}`))
	if err != nil {
		t.Fatalf("POST /calls: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestOutboundCall_CreatesCall(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	twilioAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse twilio form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA9999","status":"queued","to":"+15550100002","from":"+15550100001"}`))
	}))
	t.Cleanup(twilioAPI.Close)

	s, _ := newTestServer(t, func(c *config.Config) {
		c.Twilio = config.TwilioConfig{
			AccountSID: "AC0000",
			AuthToken:  "token",
			CallerID:   "+15550100001",
		}
	})
	// Point the client at the fake API.
	s.twilio = rest.New("AC0000", "token", rest.WithBaseURL(twilioAPI.URL))

	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	resp, err := http.Post(app.URL+"/calls", "application/json", strings.NewReader(`{"to":"+15550100002"}`))
	if err != nil {
		t.Fatalf("POST /calls: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out outboundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.CallSID != "CA9999" || out.Status != "queued" {
		t.Errorf("response = %+v", out)
	}
	if got := gotForm.Get("To"); got != "+15550100002" {
		t.Errorf("To = %q", got)
	}
	if got := gotForm.Get("From"); got != "+15550100001" {
		t.Errorf("From = %q", got)
	}
	if got := gotForm.Get("Url"); got != "https://bridge.example.com/incoming-call" {
		t.Errorf("Url = %q", got)
	}
}

func TestOutboundCall_BadBody(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	s.twilio = rest.New("AC0000", "token")
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	resp, err := http.Post(app.URL+"/calls", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /calls: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(app.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

// ── Media-stream end-to-end ───────────────────────────────────────────────────

// TestMediaStream_EndToEnd drives one full call through the real HTTP
// surface: a fake Realtime backend on one side, a fake Twilio media client
// on the other, with the server bridging in between.
func TestMediaStream_EndToEnd(t *testing.T) {
	t.Parallel()

	aiConns := make(chan *websocket.Conn, 1)
	aiRecv := make(chan map[string]any, 64)
	rt := startWS(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret123" {
			t.Errorf("realtime auth = %q, want minted secret", got)
		}
		writeJSON(t, conn, map[string]any{
			"type":    "session.created",
			"session": map[string]any{"id": "sess_1"},
		})
		aiConns <- conn
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			aiRecv <- m
		}
	})

	s, store := newTestServer(t, func(c *config.Config) {
		c.OpenAI.RealtimeURL = wsURL(rt)
	})
	app := httptest.NewServer(s.Handler())
	t.Cleanup(app.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Twilio side: connect the media stream with the session secret in the
	// path, as the TwiML instructed.
	tw, _, err := websocket.Dial(ctx, wsURL(app)+"/media-stream/secret123", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer tw.Close(websocket.StatusNormalClosure, "test done")

	aiConn := <-aiConns

	// Twilio announces the stream.
	writeJSON(t, tw, map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "SID1",
			"callSid":   "CA0001",
			"mediaFormat": map[string]any{
				"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1,
			},
		},
	})

	// Bootstrap completes: the AI side sees session.update then the single
	// greeting response.create.
	waitForType := func(want string) map[string]any {
		t.Helper()
		for {
			select {
			case m := <-aiRecv:
				if m["type"] == want {
					return m
				}
				t.Logf("skipping AI event %v while waiting for %s", m["type"], want)
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	}
	waitForType("session.update")
	waitForType("response.create")

	// Caller audio flows to the AI input buffer verbatim.
	writeJSON(t, tw, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": "AAAA"},
	})
	app1 := waitForType("input_audio_buffer.append")
	if app1["audio"] != "AAAA" {
		t.Errorf("append audio = %v, want AAAA", app1["audio"])
	}

	// AI audio flows back addressed with the stream SID.
	writeJSON(t, aiConn, map[string]any{
		"type": "response.audio.delta", "response_id": "resp_1", "delta": "BBBB",
	})
	frame := readJSON(t, tw)
	if frame["event"] != "media" || frame["streamSid"] != "SID1" {
		t.Fatalf("media frame = %v", frame)
	}
	if media, ok := frame["media"].(map[string]any); !ok || media["payload"] != "BBBB" {
		t.Errorf("media payload = %v, want BBBB", frame["media"])
	}

	// Barge-in: buffer clear reaches the AI first, the playback clear
	// reaches Twilio.
	writeJSON(t, aiConn, map[string]any{"type": "input_audio_buffer.speech_started"})
	waitForType("input_audio_buffer.clear")
	clearFrame := readJSON(t, tw)
	if clearFrame["event"] != "clear" || clearFrame["streamSid"] != "SID1" {
		t.Fatalf("clear frame = %v", clearFrame)
	}

	// Hang up. The cascade closes the AI socket and the call record is
	// finalised.
	tw.Close(websocket.StatusNormalClosure, "hangup")

	deadline := time.After(5 * time.Second)
	for s.manager.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("call never left the registry after hangup")
		case <-time.After(10 * time.Millisecond):
		}
	}

	recs := store.Statuses() // no status callbacks in this flow
	if len(recs) != 0 {
		t.Errorf("unexpected status events: %v", recs)
	}
}
