// Package realtime is a typed adapter for the OpenAI Realtime websocket
// protocol.
//
// A [Conn] is dialled with a session-scoped client secret minted beforehand
// via [SessionMinter.Mint]; the secret ties the socket to the voice,
// instructions, and audio format negotiated at mint time, so the adapter
// itself performs no session negotiation. Inbound events are decoded into a
// closed set of typed values and dispatched to registered handlers
// synchronously, in arrival order, from the read loop. Outbound [ClientEvent]
// values are serialised and written with an explicit error result.
//
// Events with an unrecognised type are logged and discarded; the protocol
// grows new event types regularly and they must not kill the call.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by [Conn.Send] when the underlying socket has been
// closed.
var ErrClosed = errors.New("realtime: connection closed")

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultWSURL   = "wss://api.openai.com/v1/realtime"
	betaHeaderName = "OpenAI-Beta"
	betaHeaderVal  = "realtime=v1"
)

// DialOption is a functional option for [Dial].
type DialOption func(*dialConfig)

type dialConfig struct {
	model   string
	baseURL string
	log     *slog.Logger
	hook    func()
}

// WithModel selects the Realtime model requested in the websocket URL.
func WithModel(model string) DialOption {
	return func(c *dialConfig) { c.model = model }
}

// WithBaseURL overrides the websocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) DialOption {
	return func(c *dialConfig) { c.baseURL = url }
}

// WithLogger sets the logger used for discarded frames and lifecycle events.
func WithLogger(log *slog.Logger) DialOption {
	return func(c *dialConfig) { c.log = log }
}

// WithProtocolErrorHook registers a callback invoked whenever an inbound
// event is discarded as malformed or unrecognised. Used for metrics.
func WithProtocolErrorHook(h func()) DialOption {
	return func(c *dialConfig) { c.hook = h }
}

// Conn is a typed wrapper over one OpenAI Realtime websocket session.
//
// Handlers must be registered before [Conn.Run] is called. Handlers for a
// matching event type are invoked in registration order from the read loop
// and must not block. Send and Close are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	protoErrHook func()

	mu     sync.Mutex
	closed bool

	sessionCreatedHs []func(SessionCreated)
	sessionUpdatedHs []func(SessionUpdated)
	audioDeltaHs     []func(AudioDelta)
	speechStartedHs  []func(SpeechStarted)
	speechStoppedHs  []func(SpeechStopped)
	responseDoneHs   []func(ResponseDone)
	serverErrorHs    []func(ServerError)
	closeHs          []func(error)

	finishOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial opens a Realtime websocket authenticated with the given session
// credential (a minted client secret, or an API key for ad-hoc sessions).
// The caller must run the read loop via [Conn.Run] and call [Conn.Close]
// when done.
func Dial(ctx context.Context, credential string, opts ...DialOption) (*Conn, error) {
	cfg := dialConfig{
		model:   defaultModel,
		baseURL: defaultWSURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	wsURL := fmt.Sprintf("%s?model=%s", cfg.baseURL, cfg.model)
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + credential},
			betaHeaderName:  []string{betaHeaderVal},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:           ws,
		log:          cfg.log,
		protoErrHook: cfg.hook,
		ctx:          connCtx,
		cancel:       cancel,
	}, nil
}

// ── Handler registration ──────────────────────────────────────────────────────

// OnSessionCreated registers a handler for the session.created event.
func (c *Conn) OnSessionCreated(h func(SessionCreated)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCreatedHs = append(c.sessionCreatedHs, h)
}

// OnSessionUpdated registers a handler for the session.updated event.
func (c *Conn) OnSessionUpdated(h func(SessionUpdated)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionUpdatedHs = append(c.sessionUpdatedHs, h)
}

// OnAudioDelta registers a handler for synthesised audio chunks.
func (c *Conn) OnAudioDelta(h func(AudioDelta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioDeltaHs = append(c.audioDeltaHs, h)
}

// OnSpeechStarted registers a handler for the barge-in trigger.
func (c *Conn) OnSpeechStarted(h func(SpeechStarted)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speechStartedHs = append(c.speechStartedHs, h)
}

// OnSpeechStopped registers a handler for end-of-speech events.
func (c *Conn) OnSpeechStopped(h func(SpeechStopped)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speechStoppedHs = append(c.speechStoppedHs, h)
}

// OnResponseDone registers a handler for completed model responses.
func (c *Conn) OnResponseDone(h func(ResponseDone)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseDoneHs = append(c.responseDoneHs, h)
}

// OnServerError registers a handler for non-fatal error events.
func (c *Conn) OnServerError(h func(ServerError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverErrorHs = append(c.serverErrorHs, h)
}

// OnClose registers a handler invoked exactly once when the read loop exits.
// The argument is nil for a clean shutdown and the transport error otherwise.
func (c *Conn) OnClose(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHs = append(c.closeHs, h)
}

// ── I/O ───────────────────────────────────────────────────────────────────────

// Send serialises the client event and writes it to the socket. It returns
// [ErrClosed] when the connection has already been closed.
func (c *Conn) Send(ev ClientEvent) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: send: %w", err)
	}
	return nil
}

// Run reads events until the socket closes or ctx is cancelled, dispatching
// each to the registered handlers. It returns nil on clean shutdown and the
// transport error otherwise. Close handlers fire before Run returns.
func (c *Conn) Run(ctx context.Context) error {
	var runErr error
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() && !isExpectedClose(err) {
				runErr = err
			}
			break
		}
		c.dispatch(data)
	}
	c.finish(runErr)
	return runErr
}

// Close terminates the connection. Idempotent; the close handlers fire from
// the read-loop goroutine once Run unblocks.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func (c *Conn) finish(runErr error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		hs := c.closeHs
		c.mu.Unlock()

		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "session closed")

		for _, h := range hs {
			h(runErr)
		}
	})
}

func (c *Conn) dispatch(data []byte) {
	f, err := decodeServerFrame(data)
	if err != nil {
		c.log.Warn("discarding malformed realtime event", "err", err)
		c.protocolError()
		return
	}

	switch f.Type {
	case "session.created":
		ev := SessionCreated{}
		if f.Session != nil {
			ev.Session = *f.Session
		}
		for _, h := range c.handlersSessionCreated() {
			h(ev)
		}

	case "session.updated":
		ev := SessionUpdated{}
		if f.Session != nil {
			ev.Session = *f.Session
		}
		for _, h := range c.handlersSessionUpdated() {
			h(ev)
		}

	case "response.audio.delta":
		ev := AudioDelta{ResponseID: f.ResponseID, ItemID: f.ItemID, Delta: f.Delta}
		for _, h := range c.handlersAudioDelta() {
			h(ev)
		}

	case "input_audio_buffer.speech_started":
		ev := SpeechStarted{ItemID: f.ItemID, AudioStartMS: f.AudioStartMS}
		for _, h := range c.handlersSpeechStarted() {
			h(ev)
		}

	case "input_audio_buffer.speech_stopped":
		ev := SpeechStopped{ItemID: f.ItemID, AudioEndMS: f.AudioEndMS}
		for _, h := range c.handlersSpeechStopped() {
			h(ev)
		}

	case "response.done":
		ev := ResponseDone{}
		if f.Response != nil {
			ev.ResponseID = f.Response.ID
			ev.Status = f.Response.Status
		}
		for _, h := range c.handlersResponseDone() {
			h(ev)
		}

	case "error":
		ev := ServerError{}
		if f.Error != nil {
			ev.Type = f.Error.Type
			ev.Code = f.Error.Code
			ev.Message = f.Error.Message
		}
		for _, h := range c.handlersServerError() {
			h(ev)
		}

	default:
		c.log.Debug("ignoring unrecognised realtime event", "type", f.Type)
	}
}

func (c *Conn) protocolError() {
	if c.protoErrHook != nil {
		c.protoErrHook()
	}
}

func (c *Conn) handlersSessionCreated() []func(SessionCreated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCreatedHs
}

func (c *Conn) handlersSessionUpdated() []func(SessionUpdated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionUpdatedHs
}

func (c *Conn) handlersAudioDelta() []func(AudioDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioDeltaHs
}

func (c *Conn) handlersSpeechStarted() []func(SpeechStarted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speechStartedHs
}

func (c *Conn) handlersSpeechStopped() []func(SpeechStopped) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speechStoppedHs
}

func (c *Conn) handlersResponseDone() []func(ResponseDone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseDoneHs
}

func (c *Conn) handlersServerError() []func(ServerError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverErrorHs
}
