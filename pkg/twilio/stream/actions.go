package stream

import "encoding/json"

// Action is an outbound Twilio Media Streams message. The set is closed:
// [ClearAudio], [PlayAudio], and [MarkAudio] are the only frame types Twilio
// accepts on the media socket.
type Action interface {
	isAction()
}

// ClearAudio discards all audio Twilio has buffered for playback on the
// stream. Sent on barge-in so the caller stops hearing stale speech.
type ClearAudio struct {
	StreamSID string
}

func (ClearAudio) isAction() {}

// MarshalJSON renders the clear frame in Twilio's wire format.
func (a ClearAudio) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}{Event: "clear", StreamSID: a.StreamSID})
}

// PlayAudio queues one base64-encoded audio chunk for playback to the caller.
type PlayAudio struct {
	StreamSID string
	Payload   string
}

func (PlayAudio) isAction() {}

// MarshalJSON renders the media frame in Twilio's wire format.
func (a PlayAudio) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}{
		Event:     "media",
		StreamSID: a.StreamSID,
		Media: struct {
			Payload string `json:"payload"`
		}{Payload: a.Payload},
	})
}

// MarkAudio asks Twilio to echo a mark event once all audio queued before it
// has been played.
type MarkAudio struct {
	StreamSID string
	Name      string
}

func (MarkAudio) isAction() {}

// MarshalJSON renders the mark frame in Twilio's wire format.
func (a MarkAudio) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Mark      struct {
			Name string `json:"name"`
		} `json:"mark"`
	}{
		Event:     "mark",
		StreamSID: a.StreamSID,
		Mark: struct {
			Name string `json:"name"`
		}{Name: a.Name},
	})
}
