// Package bridge is the session bootstrap and audio relay engine: the part
// of Trunkline that joins one telephony media stream to one AI realtime
// session for the life of a call.
//
// A [Call] owns exactly one adapter pair. Audio only flows once both
// readiness signals have arrived (the telephony start frame carrying the
// stream SID, and the AI session confirmation); the rendezvous is
// order-independent and fires exactly once. While active, frames are
// forwarded verbatim in both directions, and a caller interruption halts AI
// playback through a fixed-order clear pair. Teardown cascades: the close of
// either socket closes the other, exactly once.
//
// Each adapter delivers its events from its own read loop, so two goroutines
// touch a call concurrently; all shared call state sits behind one mutex and
// handlers do no blocking work beyond the forwarding send.
package bridge

import (
	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/stream"
)

// State is the lifecycle phase of a call.
type State int

const (
	// StateInit is the phase before any readiness signal has arrived.
	StateInit State = iota

	// StateWaiting means one of the two readiness signals has arrived.
	StateWaiting

	// StateActive means both signals have arrived and audio is flowing.
	StateActive

	// StateClosed is terminal. No further actions may be sent.
	StateClosed
)

// String returns the lifecycle phase name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaiting:
		return "WAITING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// TelephonyConn is the subset of the telephony media-stream adapter the
// bridge consumes. *stream.Conn satisfies it; tests substitute a mock.
// Handler registration must happen before the adapter's read loop starts.
type TelephonyConn interface {
	OnConnected(func(stream.Connected))
	OnStart(func(stream.Start))
	OnMedia(func(stream.Media))
	OnDTMF(func(stream.DTMF))
	OnMark(func(stream.Mark))
	OnStop(func(stream.Stop))
	OnClose(func(error))
	Send(stream.Action) error
	Close() error
}

// RealtimeConn is the subset of the AI realtime adapter the bridge consumes.
// *realtime.Conn satisfies it; tests substitute a mock.
type RealtimeConn interface {
	OnSessionCreated(func(realtime.SessionCreated))
	OnSessionUpdated(func(realtime.SessionUpdated))
	OnAudioDelta(func(realtime.AudioDelta))
	OnSpeechStarted(func(realtime.SpeechStarted))
	OnSpeechStopped(func(realtime.SpeechStopped))
	OnResponseDone(func(realtime.ResponseDone))
	OnServerError(func(realtime.ServerError))
	OnClose(func(error))
	Send(realtime.ClientEvent) error
	Close() error
}

// Compile-time checks that the real adapters satisfy the bridge interfaces.
var (
	_ TelephonyConn = (*stream.Conn)(nil)
	_ RealtimeConn  = (*realtime.Conn)(nil)
)
