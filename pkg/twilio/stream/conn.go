// Package stream is a typed adapter for the Twilio Media Streams websocket
// protocol.
//
// A [Conn] wraps a single accepted websocket connection carrying one call's
// audio. Inbound frames are decoded into a closed set of typed events
// ([Connected], [Start], [Media], [DTMF], [Mark], [Stop]) and dispatched to
// registered handlers synchronously, in frame-arrival order, from the
// connection's read loop. Outbound [Action] values are serialised and written
// with an explicit error result, so a send on an already-closed socket is
// observable rather than silently dropped.
//
// Frames with an unrecognised event tag, and frames that fail to decode, are
// logged and discarded: Twilio may introduce new event types over time and
// they must not kill the call.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by [Conn.Send] when the underlying socket has been
// closed. Callers treat it as a lifecycle signal, not a transport fault.
var ErrClosed = errors.New("stream: connection closed")

// ErrNotStarted is returned by [Conn.StreamSID] before the start frame has
// been observed. The stream SID does not exist until Twilio assigns it.
var ErrNotStarted = errors.New("stream: start frame not yet received")

// Option is a functional option for configuring a [Conn].
type Option func(*Conn)

// WithLogger sets the logger used for discarded frames and lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// WithProtocolErrorHook registers a callback invoked whenever an inbound
// frame is discarded as malformed or unrecognised. Used for metrics.
func WithProtocolErrorHook(h func()) Option {
	return func(c *Conn) { c.protoErrHook = h }
}

// Conn is a typed wrapper over one call's Twilio Media Streams websocket.
//
// Handlers must be registered before [Conn.Run] is called. All handlers for a
// matching event tag are invoked, in registration order, from the read loop;
// a handler must not block. Send and Close are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	protoErrHook func()

	mu        sync.Mutex
	closed    bool
	streamSID string

	connectedHs []func(Connected)
	startHs     []func(Start)
	mediaHs     []func(Media)
	dtmfHs      []func(DTMF)
	markHs      []func(Mark)
	stopHs      []func(Stop)
	closeHs     []func(error)

	finishOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn wraps an accepted websocket connection. The caller retains
// responsibility for running the read loop via [Conn.Run].
func NewConn(ws *websocket.Conn, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Handler registration ──────────────────────────────────────────────────────

// OnConnected registers a handler for the connected frame.
func (c *Conn) OnConnected(h func(Connected)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedHs = append(c.connectedHs, h)
}

// OnStart registers a handler for the start frame.
func (c *Conn) OnStart(h func(Start)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startHs = append(c.startHs, h)
}

// OnMedia registers a handler for inbound audio frames.
func (c *Conn) OnMedia(h func(Media)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaHs = append(c.mediaHs, h)
}

// OnDTMF registers a handler for keypad digit frames.
func (c *Conn) OnDTMF(h func(DTMF)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dtmfHs = append(c.dtmfHs, h)
}

// OnMark registers a handler for mark confirmation frames.
func (c *Conn) OnMark(h func(Mark)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markHs = append(c.markHs, h)
}

// OnStop registers a handler for the stop frame.
func (c *Conn) OnStop(h func(Stop)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHs = append(c.stopHs, h)
}

// OnClose registers a handler invoked exactly once when the read loop exits.
// The argument is nil for a clean shutdown (peer close or local Close) and
// the transport error otherwise.
func (c *Conn) OnClose(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHs = append(c.closeHs, h)
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// StreamSID returns the routing identifier Twilio assigned in the start
// frame. It returns [ErrNotStarted] until that frame has been observed.
func (c *Conn) StreamSID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamSID == "" {
		return "", ErrNotStarted
	}
	return c.streamSID, nil
}

// ── I/O ───────────────────────────────────────────────────────────────────────

// Send serialises the action and writes it to the socket. It returns
// [ErrClosed] when the connection has already been closed.
func (c *Conn) Send(a Action) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("stream: marshal action: %w", err)
	}
	if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

// Run reads frames until the socket closes or ctx is cancelled, dispatching
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
	c.ws.Close(websocket.StatusNormalClosure, "stream closed")
	return nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// isExpectedClose reports whether err represents a normal peer-side close.
func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// finish marks the connection closed and fires the close handlers exactly once.
func (c *Conn) finish(runErr error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		hs := c.closeHs
		c.mu.Unlock()

		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "stream closed")

		for _, h := range hs {
			h(runErr)
		}
	})
}

// dispatch decodes one inbound frame and invokes the matching handlers.
func (c *Conn) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.log.Warn("discarding malformed media stream frame", "err", err)
		c.protocolError()
		return
	}

	switch f.Event {
	case "connected":
		ev := Connected{Protocol: f.Protocol, Version: f.Version}
		for _, h := range c.handlersConnected() {
			h(ev)
		}

	case "start":
		if f.Start == nil {
			c.log.Warn("discarding start frame without start payload")
			c.protocolError()
			return
		}
		ev := Start{
			StreamSID:        f.Start.StreamSID,
			AccountSID:       f.Start.AccountSID,
			CallSID:          f.Start.CallSID,
			Tracks:           f.Start.Tracks,
			MediaFormat:      f.Start.MediaFormat,
			CustomParameters: f.Start.CustomParameters,
		}
		c.mu.Lock()
		c.streamSID = ev.StreamSID
		hs := c.startHs
		c.mu.Unlock()
		for _, h := range hs {
			h(ev)
		}

	case "media":
		if f.Media == nil {
			c.log.Warn("discarding media frame without media payload")
			c.protocolError()
			return
		}
		ev := Media{
			StreamSID: f.StreamSID,
			Track:     f.Media.Track,
			Chunk:     f.Media.Chunk,
			Timestamp: f.Media.Timestamp,
			Payload:   f.Media.Payload,
		}
		for _, h := range c.handlersMedia() {
			h(ev)
		}

	case "dtmf":
		if f.DTMF == nil {
			return
		}
		ev := DTMF{StreamSID: f.StreamSID, Digit: f.DTMF.Digit, Track: f.DTMF.Track}
		for _, h := range c.handlersDTMF() {
			h(ev)
		}

	case "mark":
		if f.Mark == nil {
			return
		}
		ev := Mark{StreamSID: f.StreamSID, Name: f.Mark.Name}
		for _, h := range c.handlersMark() {
			h(ev)
		}

	case "stop":
		ev := Stop{StreamSID: f.StreamSID}
		if f.Stop != nil {
			ev.AccountSID = f.Stop.AccountSID
			ev.CallSID = f.Stop.CallSID
		}
		for _, h := range c.handlersStop() {
			h(ev)
		}

	default:
		c.log.Debug("ignoring unrecognised media stream event", "event", f.Event)
		c.protocolError()
	}
}

func (c *Conn) protocolError() {
	if c.protoErrHook != nil {
		c.protoErrHook()
	}
}

func (c *Conn) handlersConnected() []func(Connected) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedHs
}

func (c *Conn) handlersMedia() []func(Media) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaHs
}

func (c *Conn) handlersDTMF() []func(DTMF) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dtmfHs
}

func (c *Conn) handlersMark() []func(Mark) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markHs
}

func (c *Conn) handlersStop() []func(Stop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopHs
}
