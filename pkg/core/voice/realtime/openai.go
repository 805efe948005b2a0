package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	openAIRealtimeURL   = "wss://api.openai.com/v1/realtime"
	openAIDefaultModel  = "gpt-4o-realtime-preview"
	openAIDefaultVoice  = "alloy"
	openAIAudioFormat   = "g711_ulaw"
	openAITranscription = "whisper-1"
)

// OpenAIDialer opens OpenAI Realtime sessions over a websocket.
type OpenAIDialer struct {
	APIKey string
	// URL overrides the realtime endpoint; tests point it at httptest.
	URL              string
	Model            string
	HandshakeTimeout time.Duration
}

func (d *OpenAIDialer) Name() string { return "openai" }

func (d *OpenAIDialer) Dial(ctx context.Context, opts Options) (Leg, error) {
	base := d.URL
	if base == "" {
		base = openAIRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	model := firstNonEmpty(opts.Model, d.Model, openAIDefaultModel)
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				return nil, fmt.Errorf("openai realtime connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("openai realtime connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("openai realtime connect: %w", err)
	}

	leg := &openAILeg{conn: conn}
	if err := leg.writeJSON(sessionUpdate(opts)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("openai session.update: %w", err)
	}
	return leg, nil
}

func sessionUpdate(opts Options) map[string]any {
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"voice":               firstNonEmpty(opts.Voice, openAIDefaultVoice),
		"input_audio_format":  openAIAudioFormat,
		"output_audio_format": openAIAudioFormat,
		"input_audio_transcription": map[string]any{
			"model": openAITranscription,
		},
		"turn_detection": map[string]any{"type": "server_vad"},
	}
	if strings.TrimSpace(opts.Instructions) != "" {
		session["instructions"] = opts.Instructions
	}
	if lang := strings.TrimSpace(opts.Language); lang != "" {
		session["input_audio_transcription"] = map[string]any{"model": openAITranscription, "language": lang}
	}
	return map[string]any{"type": "session.update", "session": session}
}

type openAILeg struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (l *openAILeg) writeJSON(v any) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

func (l *openAILeg) SendAudio(mulaw []byte) error {
	return l.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(mulaw),
	})
}

func (l *openAILeg) SendInstruction(text string) error {
	return l.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

type openAIServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (l *openAILeg) Receive() (Event, error) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.closed.Load() {
				return Event{}, ErrClosed
			}
			return Event{}, err
		}
		var msg openAIServerEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		ev, ok, err := translateOpenAI(msg)
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func translateOpenAI(msg openAIServerEvent) (Event, bool, error) {
	switch msg.Type {
	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return Event{}, false, fmt.Errorf("openai audio delta: %w", err)
		}
		return Event{Kind: EventAudio, Audio: audio}, len(audio) > 0, nil
	case "conversation.item.input_audio_transcription.completed":
		text := strings.TrimSpace(msg.Transcript)
		return Event{Kind: EventUserTranscript, Text: text}, text != "", nil
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		text := strings.TrimSpace(msg.Transcript)
		return Event{Kind: EventAgentTranscript, Text: text}, text != "", nil
	case "input_audio_buffer.speech_started":
		return Event{Kind: EventInterrupted}, true, nil
	case "response.done":
		return Event{Kind: EventTurnComplete}, true, nil
	case "error":
		text := "provider error"
		if msg.Error != nil && msg.Error.Message != "" {
			text = msg.Error.Message
		}
		return Event{Kind: EventError, Text: text}, true, nil
	default:
		return Event{}, false, nil
	}
}

func (l *openAILeg) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
