package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newRealtimeServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOpenAIDialer_SessionUpdateAndEvents(t *testing.T) {
	got := make(chan map[string]any, 8)
	var gotAuth, gotBeta, gotModel string
	url := newRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		gotModel = r.URL.Query().Get("model")
		for i := 0; i < 3; i++ {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			got <- msg
		}
		_ = conn.WriteJSON(map[string]any{"type": "session.updated"})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": " I need a quote "})
		_ = conn.WriteJSON(map[string]any{"type": "input_audio_buffer.speech_started"})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio_transcript.done", "transcript": "Sure."})
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})
		_ = conn.WriteJSON(map[string]any{"type": "response.done"})
		time.Sleep(100 * time.Millisecond)
	})

	d := &OpenAIDialer{APIKey: "sk-test", URL: url, Model: "gpt-test"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	leg, err := d.Dial(ctx, Options{Instructions: "Be brief.", Voice: "verse"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer leg.Close()

	if err := leg.SendAudio([]byte{0xFF, 0x7F}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := leg.SendInstruction("Ask for the caller's name."); err != nil {
		t.Fatalf("SendInstruction() error = %v", err)
	}

	update := <-got
	if update["type"] != "session.update" {
		t.Fatalf("first message=%v", update)
	}
	session := update["session"].(map[string]any)
	if session["input_audio_format"] != "g711_ulaw" || session["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("session=%v", session)
	}
	if session["instructions"] != "Be brief." || session["voice"] != "verse" {
		t.Fatalf("session=%v", session)
	}
	appendMsg := <-got
	if appendMsg["type"] != "input_audio_buffer.append" || appendMsg["audio"] != base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F}) {
		t.Fatalf("append=%v", appendMsg)
	}
	item := <-got
	if item["type"] != "conversation.item.create" {
		t.Fatalf("item=%v", item)
	}

	want := []Event{
		{Kind: EventAudio},
		{Kind: EventUserTranscript, Text: "I need a quote"},
		{Kind: EventInterrupted},
		{Kind: EventAgentTranscript, Text: "Sure."},
		{Kind: EventError, Text: "rate limited"},
		{Kind: EventTurnComplete},
	}
	for i, w := range want {
		ev, err := leg.Receive()
		if err != nil {
			t.Fatalf("Receive()[%d] error = %v", i, err)
		}
		if ev.Kind != w.Kind || ev.Text != w.Text {
			t.Fatalf("event[%d]=%v %q, want %v %q", i, ev.Kind, ev.Text, w.Kind, w.Text)
		}
		if ev.Kind == EventAudio && string(ev.Audio) != string([]byte{1, 2, 3}) {
			t.Fatalf("audio=%v", ev.Audio)
		}
	}

	if gotAuth != "Bearer sk-test" || gotBeta != "realtime=v1" || gotModel != "gpt-test" {
		t.Fatalf("auth=%q beta=%q model=%q", gotAuth, gotBeta, gotModel)
	}
}

func TestOpenAIDialer_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &OpenAIDialer{APIKey: "bad", URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := d.Dial(context.Background(), Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("err=%v", err)
	}
}

func TestOpenAILeg_ReceiveAfterClose(t *testing.T) {
	url := newRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	leg, err := (&OpenAIDialer{URL: url}).Dial(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := leg.Receive()
		done <- err
	}()
	if err := leg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Receive did not return after Close")
	}
	if err := leg.SendAudio([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio after close err=%v", err)
	}
	if err := leg.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
