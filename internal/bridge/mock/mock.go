// Package mock provides in-memory adapter doubles for bridge testing.
// Both doubles record every sent action and expose Fire* methods that invoke
// the registered handlers the way a read loop would: synchronously, one
// event at a time.
package mock

import (
	"sync"

	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/stream"
)

// Telephony is an in-memory stand-in for the Twilio media-stream adapter.
type Telephony struct {
	mu sync.Mutex

	// Sent records every action in send order.
	Sent []stream.Action

	// SendErr is returned by Send when non-nil, allowing error injection.
	SendErr error

	// CloseCount counts Close invocations.
	CloseCount int

	connectedHs []func(stream.Connected)
	startHs     []func(stream.Start)
	mediaHs     []func(stream.Media)
	dtmfHs      []func(stream.DTMF)
	markHs      []func(stream.Mark)
	stopHs      []func(stream.Stop)
	closeHs     []func(error)

	closeOnce sync.Once
}

func (m *Telephony) OnConnected(h func(stream.Connected)) { m.connectedHs = append(m.connectedHs, h) }
func (m *Telephony) OnStart(h func(stream.Start))         { m.startHs = append(m.startHs, h) }
func (m *Telephony) OnMedia(h func(stream.Media))         { m.mediaHs = append(m.mediaHs, h) }
func (m *Telephony) OnDTMF(h func(stream.DTMF))           { m.dtmfHs = append(m.dtmfHs, h) }
func (m *Telephony) OnMark(h func(stream.Mark))           { m.markHs = append(m.markHs, h) }
func (m *Telephony) OnStop(h func(stream.Stop))           { m.stopHs = append(m.stopHs, h) }
func (m *Telephony) OnClose(h func(error))                { m.closeHs = append(m.closeHs, h) }

// Send records the action and returns the configured error.
func (m *Telephony) Send(a stream.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, a)
	return nil
}

// Close counts the invocation. The real adapter fires close handlers from
// its read-loop goroutine once Run unblocks, never from Close itself; tests
// simulate that with [Telephony.FireClose].
func (m *Telephony) Close() error {
	m.mu.Lock()
	m.CloseCount++
	m.mu.Unlock()
	return nil
}

// Actions returns a copy of everything sent so far.
func (m *Telephony) Actions() []stream.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stream.Action, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// Closes returns how many times Close was invoked.
func (m *Telephony) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCount
}

func (m *Telephony) FireConnected(ev stream.Connected) {
	for _, h := range m.connectedHs {
		h(ev)
	}
}

func (m *Telephony) FireStart(ev stream.Start) {
	for _, h := range m.startHs {
		h(ev)
	}
}

func (m *Telephony) FireMedia(ev stream.Media) {
	for _, h := range m.mediaHs {
		h(ev)
	}
}

func (m *Telephony) FireDTMF(ev stream.DTMF) {
	for _, h := range m.dtmfHs {
		h(ev)
	}
}

func (m *Telephony) FireMark(ev stream.Mark) {
	for _, h := range m.markHs {
		h(ev)
	}
}

func (m *Telephony) FireStop(ev stream.Stop) {
	for _, h := range m.stopHs {
		h(ev)
	}
}

// FireClose simulates the socket dying with err and fires the close
// handlers, at most once.
func (m *Telephony) FireClose(err error) {
	m.closeOnce.Do(func() {
		for _, h := range m.closeHs {
			h(err)
		}
	})
}

// Realtime is an in-memory stand-in for the OpenAI Realtime adapter.
type Realtime struct {
	mu sync.Mutex

	// Sent records every client event in send order.
	Sent []realtime.ClientEvent

	// SendErr is returned by Send when non-nil.
	SendErr error

	// CloseCount counts Close invocations.
	CloseCount int

	sessionCreatedHs []func(realtime.SessionCreated)
	sessionUpdatedHs []func(realtime.SessionUpdated)
	audioDeltaHs     []func(realtime.AudioDelta)
	speechStartedHs  []func(realtime.SpeechStarted)
	speechStoppedHs  []func(realtime.SpeechStopped)
	responseDoneHs   []func(realtime.ResponseDone)
	serverErrorHs    []func(realtime.ServerError)
	closeHs          []func(error)

	closeOnce sync.Once
}

func (m *Realtime) OnSessionCreated(h func(realtime.SessionCreated)) {
	m.sessionCreatedHs = append(m.sessionCreatedHs, h)
}

func (m *Realtime) OnSessionUpdated(h func(realtime.SessionUpdated)) {
	m.sessionUpdatedHs = append(m.sessionUpdatedHs, h)
}

func (m *Realtime) OnAudioDelta(h func(realtime.AudioDelta)) {
	m.audioDeltaHs = append(m.audioDeltaHs, h)
}

func (m *Realtime) OnSpeechStarted(h func(realtime.SpeechStarted)) {
	m.speechStartedHs = append(m.speechStartedHs, h)
}

func (m *Realtime) OnSpeechStopped(h func(realtime.SpeechStopped)) {
	m.speechStoppedHs = append(m.speechStoppedHs, h)
}

func (m *Realtime) OnResponseDone(h func(realtime.ResponseDone)) {
	m.responseDoneHs = append(m.responseDoneHs, h)
}

func (m *Realtime) OnServerError(h func(realtime.ServerError)) {
	m.serverErrorHs = append(m.serverErrorHs, h)
}

func (m *Realtime) OnClose(h func(error)) { m.closeHs = append(m.closeHs, h) }

// Send records the event and returns the configured error.
func (m *Realtime) Send(ev realtime.ClientEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, ev)
	return nil
}

// Close counts the invocation. See [Telephony.Close] for why close handlers
// do not fire here.
func (m *Realtime) Close() error {
	m.mu.Lock()
	m.CloseCount++
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything sent so far.
func (m *Realtime) Events() []realtime.ClientEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]realtime.ClientEvent, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// Closes returns how many times Close was invoked.
func (m *Realtime) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCount
}

func (m *Realtime) FireSessionCreated(ev realtime.SessionCreated) {
	for _, h := range m.sessionCreatedHs {
		h(ev)
	}
}

func (m *Realtime) FireSessionUpdated(ev realtime.SessionUpdated) {
	for _, h := range m.sessionUpdatedHs {
		h(ev)
	}
}

func (m *Realtime) FireAudioDelta(ev realtime.AudioDelta) {
	for _, h := range m.audioDeltaHs {
		h(ev)
	}
}

func (m *Realtime) FireSpeechStarted(ev realtime.SpeechStarted) {
	for _, h := range m.speechStartedHs {
		h(ev)
	}
}

func (m *Realtime) FireSpeechStopped(ev realtime.SpeechStopped) {
	for _, h := range m.speechStoppedHs {
		h(ev)
	}
}

func (m *Realtime) FireResponseDone(ev realtime.ResponseDone) {
	for _, h := range m.responseDoneHs {
		h(ev)
	}
}

func (m *Realtime) FireServerError(ev realtime.ServerError) {
	for _, h := range m.serverErrorHs {
		h(ev)
	}
}

// FireClose simulates the socket dying with err, at most once.
func (m *Realtime) FireClose(err error) {
	m.closeOnce.Do(func() {
		for _, h := range m.closeHs {
			h(err)
		}
	})
}
