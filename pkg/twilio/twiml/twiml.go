// Package twiml builds the small subset of TwiML the bridge needs: directing
// an answered call's audio into a media-stream websocket, speaking a short
// notice, and hanging up.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// Response is the root TwiML document. Verbs render in struct-field order,
// which matches Twilio's execution order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
}

// Say speaks text to the caller using Twilio's built-in TTS.
type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// Connect hands the call to a bidirectional stream.
type Connect struct {
	Stream *Stream `xml:"Stream"`
}

// Stream opens a Media Streams websocket at the given wss:// URL. Custom
// parameters are echoed back in the stream's start frame.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter,omitempty"`
}

// Parameter is a custom key/value pair attached to a Stream.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConnectStream returns a Response that routes the call's audio to the media
// websocket at url.
func ConnectStream(url string, params ...Parameter) *Response {
	return &Response{Connect: &Connect{Stream: &Stream{URL: url, Parameters: params}}}
}

// Reject returns a Response that speaks message and hangs up. Used when the
// AI session cannot be established.
func Reject(message string) *Response {
	return &Response{Say: &Say{Text: message}, Hangup: &Hangup{}}
}

// Hangup ends the call.
type Hangup struct{}

// Render serialises the document with the XML declaration Twilio expects.
func (r *Response) Render() (string, error) {
	out, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("twiml: marshal: %w", err)
	}
	return xml.Header + string(out), nil
}
