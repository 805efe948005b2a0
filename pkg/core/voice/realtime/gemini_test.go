package realtime

import (
	"testing"

	"google.golang.org/genai"

	"github.com/vango-go/voicebridge/pkg/core/voice/pcm"
)

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestGeminiTranslator_AggregatesTranscripts(t *testing.T) {
	var tr geminiTranslator

	if ev := tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "I need "},
	}}); len(ev) != 0 {
		t.Fatalf("partial input emitted %v", ev)
	}
	tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "a quote"},
	}})

	audio := pcm.Bytes(make([]int16, 480)) // 20ms at 24kHz
	ev := tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: audio}}}},
	}})
	if len(ev) != 2 || ev[0].Kind != EventUserTranscript || ev[0].Text != "I need a quote" {
		t.Fatalf("events=%+v", ev)
	}
	if ev[1].Kind != EventAudio || len(ev[1].Audio) != 160 {
		t.Fatalf("audio event=%v len=%d", ev[1].Kind, len(ev[1].Audio))
	}

	tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "Happy to "},
	}})
	ev = tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "help."},
		TurnComplete:        true,
	}})
	got := kinds(ev)
	if len(got) != 2 || got[0] != EventAgentTranscript || got[1] != EventTurnComplete {
		t.Fatalf("kinds=%v", got)
	}
	if ev[0].Text != "Happy to help." {
		t.Fatalf("agent text=%q", ev[0].Text)
	}
}

func TestGeminiTranslator_Interrupted(t *testing.T) {
	var tr geminiTranslator
	tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		OutputTranscription: &genai.Transcription{Text: "Let me explain our"},
	}})
	ev := tr.translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}})
	got := kinds(ev)
	if len(got) != 2 || got[0] != EventAgentTranscript || got[1] != EventInterrupted {
		t.Fatalf("kinds=%v", got)
	}
}

func TestGeminiTranslator_IgnoresNonContent(t *testing.T) {
	var tr geminiTranslator
	if ev := tr.translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}); ev != nil {
		t.Fatalf("events=%v", ev)
	}
	if ev := tr.translate(nil); ev != nil {
		t.Fatalf("events=%v", ev)
	}
}

func TestLiveConfig(t *testing.T) {
	cfg := liveConfig(Options{Instructions: "Be brief.", Voice: "Puck", Language: "en-US"})
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("modalities=%v", cfg.ResponseModalities)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Fatalf("system instruction=%+v", cfg.SystemInstruction)
	}
	if cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" || cfg.SpeechConfig.LanguageCode != "en-US" {
		t.Fatalf("speech=%+v", cfg.SpeechConfig)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("transcription disabled")
	}
}
