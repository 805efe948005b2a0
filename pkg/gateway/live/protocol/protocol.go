// Package protocol holds the telephony media-stream wire format: the JSON
// events a Twilio Media Streams connection sends and accepts.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"

	TrackInbound  = "inbound"
	TrackOutbound = "outbound"

	EncodingMulaw   = "audio/x-mulaw"
	SampleRateMulaw = 8000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type Connected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartInfo struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Start is the first meaningful frame; it carries the call identifier.
type Start struct {
	Event          string    `json:"event"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSID      string    `json:"streamSid"`
	Start          StartInfo `json:"start"`
}

// From and To come from the <Parameter> elements the TwiML attaches.
func (s Start) From() string { return s.Start.CustomParameters["from"] }
func (s Start) To() string   { return s.Start.CustomParameters["to"] }

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Media struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

// Audio returns the decoded mu-law bytes.
func (m Media) Audio() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, badRequest("media.payload is not valid base64", "media.payload")
	}
	return raw, nil
}

type MarkInfo struct {
	Name string `json:"name"`
}

type Mark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      MarkInfo `json:"mark"`
}

type DTMFInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type DTMF struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	DTMF      DTMFInfo `json:"dtmf"`
}

type StopInfo struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type Stop struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Stop      StopInfo `json:"stop"`
}

// DecodeMessage parses one inbound text frame into a typed event.
func DecodeMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if err := ValidateStart(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if msg.Media.Payload == "" {
			return nil, badRequest("media.payload is required", "media.payload")
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		return msg, nil
	case EventDTMF:
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		if strings.TrimSpace(msg.DTMF.Digit) == "" {
			return nil, badRequest("dtmf.digit is required", "dtmf.digit")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported event", "event")
	}
}

func ValidateStart(msg Start) error {
	if strings.TrimSpace(msg.Start.CallSID) == "" {
		return badRequest("start.callSid is required", "start.callSid")
	}
	if strings.TrimSpace(msg.StreamSID) == "" && strings.TrimSpace(msg.Start.StreamSID) == "" {
		return badRequest("streamSid is required", "streamSid")
	}
	enc := strings.TrimSpace(msg.Start.MediaFormat.Encoding)
	if enc != "" && enc != EncodingMulaw {
		return unsupported("only audio/x-mulaw media is supported", "start.mediaFormat.encoding")
	}
	if rate := msg.Start.MediaFormat.SampleRate; rate != 0 && rate != SampleRateMulaw {
		return unsupported("only 8000 Hz media is supported", "start.mediaFormat.sampleRate")
	}
	return nil
}

// StreamID prefers the top-level streamSid, which Twilio always sets.
func (s Start) StreamID() string {
	if id := strings.TrimSpace(s.StreamSID); id != "" {
		return id
	}
	return strings.TrimSpace(s.Start.StreamSID)
}

type OutboundMediaPayload struct {
	Payload string `json:"payload"`
}

type OutboundMedia struct {
	Event     string               `json:"event"`
	StreamSID string               `json:"streamSid"`
	Media     OutboundMediaPayload `json:"media"`
}

type OutboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      MarkInfo `json:"mark"`
}

type OutboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewOutboundMedia(streamSID string, mulaw []byte) OutboundMedia {
	return OutboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     OutboundMediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

func NewOutboundMark(streamSID, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkInfo{Name: name}}
}

func NewOutboundClear(streamSID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamSID}
}
