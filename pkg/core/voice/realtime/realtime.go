// Package realtime provides the provider leg of a bridged call: a
// bidirectional speech session with a hosted voice model.
//
// All audio crossing this package is 8 kHz G.711 mu-law so the call agent
// can relay telephony frames without transcoding.
package realtime

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("realtime: leg closed")

type EventKind int

const (
	// EventAudio carries assistant audio (mu-law) for the caller.
	EventAudio EventKind = iota
	// EventUserTranscript is one finished caller utterance.
	EventUserTranscript
	// EventAgentTranscript is one finished assistant utterance.
	EventAgentTranscript
	// EventInterrupted means the caller barged in; queued assistant audio is stale.
	EventInterrupted
	EventTurnComplete
	// EventError is a provider-reported, non-fatal error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventUserTranscript:
		return "user_transcript"
	case EventAgentTranscript:
		return "agent_transcript"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
}

type Options struct {
	Model        string
	Voice        string
	Language     string
	Instructions string
}

// Leg is one open provider session. SendAudio and SendInstruction are safe
// to call concurrently with Receive; Receive must have a single caller.
type Leg interface {
	SendAudio(mulaw []byte) error
	SendInstruction(text string) error
	// Receive blocks for the next event. It returns ErrClosed once the leg
	// was closed locally and another error when the provider went away.
	Receive() (Event, error)
	Close() error
}

type Dialer interface {
	Name() string
	Dial(ctx context.Context, opts Options) (Leg, error)
}
