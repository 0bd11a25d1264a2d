package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avernakis/trunkline/internal/observe"
	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/stream"
)

// ErrBootstrapTimeout is the teardown cause when a call never completes its
// readiness rendezvous within the configured deadline.
var ErrBootstrapTimeout = errors.New("bridge: bootstrap timed out")

// Teardown reasons recorded in logs, metrics, and the call log.
const (
	ReasonCallerHangup     = "caller_hangup"
	ReasonTelephonyClosed  = "telephony_socket_closed"
	ReasonTelephonyError   = "telephony_socket_error"
	ReasonAIClosed         = "ai_socket_closed"
	ReasonAIError          = "ai_socket_error"
	ReasonBootstrapTimeout = "bootstrap_timeout"
	ReasonShutdown         = "shutdown"
)

// Config carries the per-call policy knobs. The zero value is usable in
// tests; the server fills it from the loaded configuration.
type Config struct {
	// Session is sent as a session.update as soon as the AI confirms its
	// session, pinning audio formats and conversation behaviour.
	Session realtime.SessionParams

	// Greeting is included as instructions on the single response.create
	// issued when the call goes active.
	Greeting string

	// ClearInput controls whether barge-in also clears the AI's input
	// audio buffer before halting telephony playback.
	ClearInput bool

	// BootstrapTimeout bounds the rendezvous. Zero disables the watchdog.
	BootstrapTimeout time.Duration

	// OnClosed, when set, is invoked exactly once after teardown with the
	// reason and the causing error (nil for a clean close).
	OnClosed func(c *Call, reason string, cause error)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Call joins one telephony media stream to one AI realtime session. Create
// it with [New] before starting either adapter's read loop.
type Call struct {
	id  string
	tel TelephonyConn
	ai  RealtimeConn
	cfg Config
	log *slog.Logger
	met *observe.Metrics

	mu          sync.Mutex
	state       State
	streamSID   string
	callSID     string
	telReady    bool
	aiReady     bool
	generation  int
	lastResp    string              // response id of the most recent forwarded delta
	interrupted map[string]struct{} // response ids whose late deltas are dropped
	startedAt   time.Time
	activatedAt time.Time

	watchdog *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// New wires a Call over the given adapter pair and arms the bootstrap
// watchdog. The adapters' read loops must not be running yet: handler
// registration is not safe once frames are being dispatched.
func New(id string, tel TelephonyConn, ai RealtimeConn, cfg Config) *Call {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	c := &Call{
		id:          id,
		tel:         tel,
		ai:          ai,
		cfg:         cfg,
		log:         cfg.Logger.With("call_id", id),
		met:         cfg.Metrics,
		state:       StateInit,
		interrupted: make(map[string]struct{}),
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}

	tel.OnConnected(c.handleConnected)
	tel.OnStart(c.handleStreamStart)
	tel.OnMedia(c.handleCallerAudio)
	tel.OnDTMF(c.handleDTMF)
	tel.OnMark(c.handleMark)
	tel.OnStop(c.handleStreamStop)
	tel.OnClose(c.handleTelephonyClose)

	ai.OnSessionCreated(c.handleSessionCreated)
	ai.OnSessionUpdated(c.handleSessionUpdated)
	ai.OnAudioDelta(c.handleAIAudio)
	ai.OnSpeechStarted(c.handleBargeIn)
	ai.OnSpeechStopped(c.handleSpeechStopped)
	ai.OnResponseDone(c.handleResponseDone)
	ai.OnServerError(c.handleServerError)
	ai.OnClose(c.handleAIClose)

	if cfg.BootstrapTimeout > 0 {
		c.watchdog = time.AfterFunc(cfg.BootstrapTimeout, c.bootstrapExpired)
	}

	return c
}

// ID returns the bridge-assigned call identifier.
func (c *Call) ID() string { return c.id }

// State returns the current lifecycle phase.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StreamSID returns the telephony routing identifier, or "" before the
// start frame has arrived.
func (c *Call) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// CallSID returns the telephony call identifier, or "" before the start
// frame has arrived.
func (c *Call) CallSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callSID
}

// Done is closed once teardown has completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Close tears the call down. Idempotent.
func (c *Call) Close() {
	c.teardown(ReasonShutdown, nil)
}

// ── Lifecycle handlers ────────────────────────────────────────────────────────

func (c *Call) handleConnected(ev stream.Connected) {
	c.log.Debug("media stream handshake", "protocol", ev.Protocol, "version", ev.Version)
}

func (c *Call) handleDTMF(ev stream.DTMF) {
	c.log.Info("dtmf digit received", "digit", ev.Digit, "track", ev.Track)
}

func (c *Call) handleMark(ev stream.Mark) {
	c.log.Debug("playback mark reached", "name", ev.Name)
}

func (c *Call) handleStreamStop(ev stream.Stop) {
	c.log.Info("media stream stopped", "call_sid", ev.CallSID)
	c.teardown(ReasonCallerHangup, nil)
}

func (c *Call) handleTelephonyClose(err error) {
	if err != nil {
		c.teardown(ReasonTelephonyError, err)
		return
	}
	c.teardown(ReasonTelephonyClosed, nil)
}

func (c *Call) handleAIClose(err error) {
	if err != nil {
		c.teardown(ReasonAIError, err)
		return
	}
	c.teardown(ReasonAIClosed, nil)
}

func (c *Call) handleSpeechStopped(ev realtime.SpeechStopped) {
	c.log.Debug("caller speech ended", "audio_end_ms", ev.AudioEndMS)
}

func (c *Call) handleResponseDone(ev realtime.ResponseDone) {
	c.mu.Lock()
	if c.lastResp == ev.ResponseID {
		c.lastResp = ""
	}
	// A finished response can no longer produce late deltas.
	delete(c.interrupted, ev.ResponseID)
	c.mu.Unlock()

	c.log.Debug("response finished", "response_id", ev.ResponseID, "status", ev.Status)
}

// handleServerError logs AI-side application errors without ending the call:
// they typically flag one malformed request, not a broken connection.
func (c *Call) handleServerError(ev realtime.ServerError) {
	c.log.Warn("realtime session error",
		"type", ev.Type, "code", ev.Code, "message", ev.Message)
}

func (c *Call) bootstrapExpired() {
	c.mu.Lock()
	pending := c.state == StateInit || c.state == StateWaiting
	c.mu.Unlock()
	if pending {
		c.teardown(ReasonBootstrapTimeout, ErrBootstrapTimeout)
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// teardown moves the call to CLOSED and closes both adapters. Exactly once;
// later calls are no-ops regardless of reason.
func (c *Call) teardown(reason string, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		started := c.startedAt
		c.mu.Unlock()

		if c.watchdog != nil {
			c.watchdog.Stop()
		}

		// Cascade. Both adapters' Close are idempotent, so closing the
		// side that initiated the teardown is harmless.
		if err := c.tel.Close(); err != nil {
			c.log.Warn("closing telephony adapter", "err", err)
		}
		if err := c.ai.Close(); err != nil {
			c.log.Warn("closing realtime adapter", "err", err)
		}

		ctx := context.Background()
		c.met.RecordCallEnded(ctx, reason)
		c.met.CallDuration.Record(ctx, time.Since(started).Seconds())

		if cause != nil {
			c.log.Error("call ended", "reason", reason, "err", cause)
		} else {
			c.log.Info("call ended", "reason", reason)
		}

		if c.cfg.OnClosed != nil {
			c.cfg.OnClosed(c, reason, cause)
		}
		close(c.done)
	})
}
