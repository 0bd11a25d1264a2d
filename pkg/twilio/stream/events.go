package stream

import "encoding/json"

// MediaFormat describes the audio encoding negotiated for a media stream.
// Twilio streams μ-law mono at 8 kHz unless the TwiML requests otherwise.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Connected is the first frame Twilio sends after the websocket opens.
type Connected struct {
	Protocol string
	Version  string
}

// Start announces that the media stream has begun. It carries the stream SID
// required to address outbound actions, the call SID, and the negotiated
// audio format.
type Start struct {
	StreamSID        string
	AccountSID       string
	CallSID          string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// Media carries one chunk of base64-encoded call audio.
type Media struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

// DTMF reports a keypad digit pressed by the caller.
type DTMF struct {
	StreamSID string
	Digit     string
	Track     string
}

// Mark confirms that previously sent audio up to a named mark has been played.
type Mark struct {
	StreamSID string
	Name      string
}

// Stop announces the end of the media stream.
type Stop struct {
	StreamSID  string
	AccountSID string
	CallSID    string
}

// frame is the wire envelope for every inbound Twilio Media Streams message.
// Exactly one of the nested payload pointers is set, selected by Event.
type frame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	// connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	DTMF  *dtmfPayload  `json:"dtmf,omitempty"`
	Mark  *markPayload  `json:"mark,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
	Track string `json:"track,omitempty"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// decodeFrame parses one raw websocket message into the wire envelope.
func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
