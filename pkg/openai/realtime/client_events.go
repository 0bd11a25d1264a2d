package realtime

import "encoding/json"

// ClientEvent is an outbound Realtime protocol event. The set is closed to
// the events the bridge actually needs: session reconfiguration, input audio
// buffer control, and response control.
type ClientEvent interface {
	isClientEvent()
}

// SessionParams is the mutable subset of session state sent in a
// session.update event.
type SessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// UpdateSession reconfigures the live session.
type UpdateSession struct {
	Session SessionParams
}

func (UpdateSession) isClientEvent() {}

// MarshalJSON renders the session.update wire frame.
func (e UpdateSession) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Session SessionParams `json:"session"`
	}{Type: "session.update", Session: e.Session})
}

// AppendAudio delivers one base64-encoded audio chunk to the input buffer.
type AppendAudio struct {
	Audio string
}

func (AppendAudio) isClientEvent() {}

// MarshalJSON renders the input_audio_buffer.append wire frame.
func (e AppendAudio) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "input_audio_buffer.append", Audio: e.Audio})
}

// ClearInput discards buffered-but-uncommitted input audio.
type ClearInput struct{}

func (ClearInput) isClientEvent() {}

// MarshalJSON renders the input_audio_buffer.clear wire frame.
func (ClearInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "input_audio_buffer.clear"})
}

// CommitInput commits the input buffer as a conversation item. Unused when
// server-side turn detection is active, but part of the protocol surface.
type CommitInput struct{}

func (CommitInput) isClientEvent() {}

// MarshalJSON renders the input_audio_buffer.commit wire frame.
func (CommitInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "input_audio_buffer.commit"})
}

// ResponseParams are the generation parameters for a response.create event.
type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// CreateResponse asks the model to produce a response immediately. The bridge
// sends exactly one of these per call, for the opening greeting.
type CreateResponse struct {
	Response ResponseParams
}

func (CreateResponse) isClientEvent() {}

// MarshalJSON renders the response.create wire frame.
func (e CreateResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string         `json:"type"`
		Response ResponseParams `json:"response"`
	}{Type: "response.create", Response: e.Response})
}

// CancelResponse aborts the in-progress model response.
type CancelResponse struct{}

func (CancelResponse) isClientEvent() {}

// MarshalJSON renders the response.cancel wire frame.
func (CancelResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "response.cancel"})
}
