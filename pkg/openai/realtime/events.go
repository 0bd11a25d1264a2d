package realtime

import "encoding/json"

// TurnDetection configures the provider-side voice activity detector. The
// server_vad mode is what makes input_audio_buffer.speech_started /
// speech_stopped events flow.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// SessionInfo is the session descriptor carried by session.created and
// session.updated events.
type SessionInfo struct {
	ID                string         `json:"id,omitempty"`
	Model             string         `json:"model,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// SessionCreated is emitted once, right after the websocket is established.
type SessionCreated struct {
	Session SessionInfo
}

// SessionUpdated acknowledges a session.update client event.
type SessionUpdated struct {
	Session SessionInfo
}

// AudioDelta carries one base64-encoded chunk of synthesised speech.
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

// SpeechStarted reports that the voice activity detector heard the caller
// begin speaking. This is the barge-in trigger.
type SpeechStarted struct {
	ItemID       string
	AudioStartMS int
}

// SpeechStopped reports that the caller stopped speaking.
type SpeechStopped struct {
	ItemID     string
	AudioEndMS int
}

// ResponseDone reports that a model response finished, successfully or not.
type ResponseDone struct {
	ResponseID string
	Status     string
}

// ServerError is a non-fatal application error event. The connection stays
// usable; these typically indicate one malformed request.
type ServerError struct {
	Type    string
	Code    string
	Message string
}

// serverFrame is the wire envelope for every inbound Realtime event. Fields
// are a union across the event types we dispatch; Type selects which apply.
type serverFrame struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	Session *SessionInfo `json:"session,omitempty"`

	// response.audio.delta
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// input_audio_buffer.speech_started / speech_stopped
	AudioStartMS int `json:"audio_start_ms,omitempty"`
	AudioEndMS   int `json:"audio_end_ms,omitempty"`

	// response.done
	Response *struct {
		ID     string `json:"id,omitempty"`
		Status string `json:"status,omitempty"`
	} `json:"response,omitempty"`

	Error *struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

func decodeServerFrame(data []byte) (*serverFrame, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
