package bridge

import (
	"context"
	"time"

	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/stream"
)

// The bootstrap rendezvous: two readiness signals arrive in unspecified
// relative order — the telephony start frame (carrying the stream SID) and
// the AI session confirmation. Each sets its flag at most once; the
// transition to ACTIVE fires exactly once, the instant both are set.
// Duplicate signals must not retrigger downstream effects.

// handleStreamStart records the routing identifier and raises the telephony
// readiness flag.
func (c *Call) handleStreamStart(ev stream.Start) {
	c.mu.Lock()
	if c.state == StateClosed || c.telReady {
		c.mu.Unlock()
		return
	}
	c.telReady = true
	c.streamSID = ev.StreamSID
	c.callSID = ev.CallSID
	if c.state == StateInit {
		c.state = StateWaiting
	}
	c.mu.Unlock()

	c.log.Info("media stream started",
		"stream_sid", ev.StreamSID,
		"call_sid", ev.CallSID,
		"encoding", ev.MediaFormat.Encoding,
		"sample_rate", ev.MediaFormat.SampleRate,
	)
	c.maybeActivate()
}

// handleSessionCreated configures the session and raises the AI readiness
// flag. The session parameters pin both audio formats to the telephony
// codec; the relay forwards payloads verbatim and never transcodes.
func (c *Call) handleSessionCreated(ev realtime.SessionCreated) {
	c.mu.Lock()
	if c.state == StateClosed || c.aiReady {
		c.mu.Unlock()
		return
	}
	c.aiReady = true
	if c.state == StateInit {
		c.state = StateWaiting
	}
	c.mu.Unlock()

	c.log.Info("realtime session created", "session_id", ev.Session.ID)

	if err := c.ai.Send(realtime.UpdateSession{Session: c.cfg.Session}); err != nil {
		c.sendFailed("openai", "session.update", err)
	}
	c.maybeActivate()
}

func (c *Call) handleSessionUpdated(ev realtime.SessionUpdated) {
	c.log.Debug("realtime session updated", "voice", ev.Session.Voice)
}

// maybeActivate performs the ACTIVE transition once both flags are set. The
// single greeting response.create is issued here, after the state change, so
// deltas it produces are routable the moment they arrive.
func (c *Call) maybeActivate() {
	c.mu.Lock()
	if c.state != StateWaiting || !c.telReady || !c.aiReady {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.activatedAt = time.Now()
	bootstrap := c.activatedAt.Sub(c.startedAt)
	c.mu.Unlock()

	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.met.BootstrapDuration.Record(context.Background(), bootstrap.Seconds())
	c.log.Info("call active", "bootstrap", bootstrap)

	greeting := realtime.CreateResponse{
		Response: realtime.ResponseParams{
			Modalities:   []string{"text", "audio"},
			Instructions: c.cfg.Greeting,
		},
	}
	if err := c.ai.Send(greeting); err != nil {
		c.sendFailed("openai", "response.create", err)
	}
}
