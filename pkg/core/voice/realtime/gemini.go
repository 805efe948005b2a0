package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/vango-go/voicebridge/pkg/core/voice/pcm"
)

const (
	geminiDefaultModel = "gemini-2.0-flash-live-001"
	geminiInputRate    = 16000
	geminiOutputRate   = 24000
)

// GeminiDialer opens Gemini Live sessions through the genai SDK.
type GeminiDialer struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

func (d *GeminiDialer) Name() string { return "gemini" }

func (d *GeminiDialer) Dial(ctx context.Context, opts Options) (Leg, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			APIVersion: "v1beta",
			BaseURL:    d.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	session, err := client.Live.Connect(ctx, firstNonEmpty(opts.Model, d.Model, geminiDefaultModel), liveConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return &geminiLeg{session: session}, nil
}

func liveConfig(opts Options) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if strings.TrimSpace(opts.Instructions) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.Instructions, genai.RoleUser)
	}
	if opts.Voice != "" || opts.Language != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{LanguageCode: opts.Language}
		if opts.Voice != "" {
			cfg.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: opts.Voice},
			}
		}
	}
	return cfg
}

type geminiLeg struct {
	session *genai.Session
	writeMu sync.Mutex
	closed  atomic.Bool

	tr      geminiTranslator
	pending []Event
}

func (l *geminiLeg) SendAudio(mulaw []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", geminiInputRate),
			Data:     pcm.FromMulaw(mulaw, geminiInputRate),
		},
	})
}

// SendInstruction adds context without closing the caller's turn, so the
// model picks it up on its next response instead of answering it directly.
func (l *geminiLeg) SendInstruction(text string) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(false),
	})
}

func (l *geminiLeg) Receive() (Event, error) {
	for len(l.pending) == 0 {
		msg, err := l.session.Receive()
		if err != nil {
			if l.closed.Load() {
				return Event{}, ErrClosed
			}
			return Event{}, err
		}
		l.pending = l.tr.translate(msg)
	}
	ev := l.pending[0]
	l.pending = l.pending[1:]
	return ev, nil
}

func (l *geminiLeg) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.session.Close()
}

// geminiTranslator turns Live server messages into leg events. Gemini
// streams transcriptions in fragments; they are buffered until the turn
// they belong to is over.
type geminiTranslator struct {
	user  strings.Builder
	agent strings.Builder
}

func (t *geminiTranslator) translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	var out []Event

	if sc.InputTranscription != nil {
		t.user.WriteString(sc.InputTranscription.Text)
		if sc.InputTranscription.Finished {
			out = t.flushUser(out)
		}
	}
	if sc.Interrupted {
		out = t.flushAgent(out)
		out = append(out, Event{Kind: EventInterrupted})
	}
	if sc.ModelTurn != nil {
		// The caller has stopped talking once the model answers.
		out = t.flushUser(out)
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			out = append(out, Event{Kind: EventAudio, Audio: pcm.ToMulaw(part.InlineData.Data, geminiOutputRate)})
		}
	}
	if sc.OutputTranscription != nil {
		out = t.flushUser(out)
		t.agent.WriteString(sc.OutputTranscription.Text)
		if sc.OutputTranscription.Finished {
			out = t.flushAgent(out)
		}
	}
	if sc.TurnComplete {
		out = t.flushUser(out)
		out = t.flushAgent(out)
		out = append(out, Event{Kind: EventTurnComplete})
	}
	return out
}

func (t *geminiTranslator) flushUser(out []Event) []Event {
	text := strings.TrimSpace(t.user.String())
	t.user.Reset()
	if text == "" {
		return out
	}
	return append(out, Event{Kind: EventUserTranscript, Text: text})
}

func (t *geminiTranslator) flushAgent(out []Event) []Event {
	text := strings.TrimSpace(t.agent.String())
	t.agent.Reset()
	if text == "" {
		return out
	}
	return append(out, Event{Kind: EventAgentTranscript, Text: text})
}
