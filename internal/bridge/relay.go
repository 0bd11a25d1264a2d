package bridge

import (
	"context"

	"github.com/avernakis/trunkline/internal/observe"
	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/stream"
)

// The relay: strict 1:1 payload-preserving forwarding in both directions,
// only while ACTIVE. No transcoding, no batching, no added buffering — both
// sides were pinned to the same encoding at session-mint time and the relay
// does not verify it.

// handleCallerAudio forwards one caller audio chunk to the AI input buffer.
func (c *Call) handleCallerAudio(ev stream.Media) {
	c.mu.Lock()
	active := c.state == StateActive
	c.mu.Unlock()
	if !active {
		return
	}

	if err := c.ai.Send(realtime.AppendAudio{Audio: ev.Payload}); err != nil {
		c.sendFailed("openai", "input_audio_buffer.append", err)
		return
	}
	c.met.RecordFrame(context.Background(), observe.DirectionCallerToAI)
}

// handleAIAudio forwards one synthesised audio delta to the caller,
// addressed with the captured stream SID. Deltas belonging to a response
// that was interrupted by barge-in are dropped instead of forwarded.
func (c *Call) handleAIAudio(ev realtime.AudioDelta) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	if _, stale := c.interrupted[ev.ResponseID]; stale {
		c.mu.Unlock()
		c.met.StaleDeltasDropped.Add(context.Background(), 1)
		c.log.Debug("dropping stale audio delta", "response_id", ev.ResponseID)
		return
	}
	c.lastResp = ev.ResponseID
	sid := c.streamSID
	c.mu.Unlock()

	if err := c.tel.Send(stream.PlayAudio{StreamSID: sid, Payload: ev.Delta}); err != nil {
		c.sendFailed("twilio", "media", err)
		return
	}
	c.met.RecordFrame(context.Background(), observe.DirectionAIToCaller)
}

// handleBargeIn reacts to the caller starting to speak while AI audio may
// still be playing. Fixed order: clear the AI input buffer first (when the
// policy allows), then halt telephony playback — clearing AI-side state
// first closes the window where fresh deltas could land after the telephony
// buffer was already flushed. Every speech_started event produces one clear
// pair; there is no de-duplication.
func (c *Call) handleBargeIn(ev realtime.SpeechStarted) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	if c.lastResp != "" {
		c.interrupted[c.lastResp] = struct{}{}
		c.lastResp = ""
	}
	sid := c.streamSID
	c.mu.Unlock()

	c.met.BargeIns.Add(context.Background(), 1)
	c.log.Info("barge-in", "generation", gen, "audio_start_ms", ev.AudioStartMS)

	if c.cfg.ClearInput {
		if err := c.ai.Send(realtime.ClearInput{}); err != nil {
			c.sendFailed("openai", "input_audio_buffer.clear", err)
		}
	}
	if err := c.tel.Send(stream.ClearAudio{StreamSID: sid}); err != nil {
		c.sendFailed("twilio", "clear", err)
	}
}

// sendFailed surfaces a failed adapter write. The failure itself is not
// fatal here: when the socket is down its close handler runs the cascade,
// and tearing down from the send path as well would race it.
func (c *Call) sendFailed(transport, action string, err error) {
	c.met.RecordSendFailure(context.Background(), transport)
	c.log.Warn("action send failed", "transport", transport, "action", action, "err", err)
}
