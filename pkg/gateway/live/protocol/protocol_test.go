package protocol

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestDecodeMessage_Start(t *testing.T) {
	raw := []byte(`{
		"event":"start",
		"sequenceNumber":"1",
		"streamSid":"MZ1",
		"start":{
			"accountSid":"AC1",
			"streamSid":"MZ1",
			"callSid":"CA123",
			"tracks":["inbound"],
			"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},
			"customParameters":{"from":"+15550001111","to":"+15552223333"}
		}
	}`)

	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	start, ok := msg.(Start)
	if !ok {
		t.Fatalf("decoded type = %T, want Start", msg)
	}
	if start.Start.CallSID != "CA123" || start.StreamID() != "MZ1" {
		t.Fatalf("start=%+v", start)
	}
	if start.From() != "+15550001111" || start.To() != "+15552223333" {
		t.Fatalf("from=%q to=%q", start.From(), start.To())
	}
}

func TestDecodeMessage_StartMissingCallSID(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1"}}`))
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Param != "start.callSid" || decErr.Code != "bad_request" {
		t.Fatalf("decErr=%+v", decErr)
	}
}

func TestDecodeMessage_StartRejectsOtherCodecs(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","mediaFormat":{"encoding":"audio/l16","sampleRate":16000}}}`))
	decErr, ok := err.(*DecodeError)
	if !ok || decErr.Code != "unsupported" {
		t.Fatalf("err=%v", err)
	}
}

func TestDecodeMessage_MediaAudio(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"40","payload":"/w=="}}`))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	media := msg.(Media)
	audio, err := media.Audio()
	if err != nil {
		t.Fatalf("Audio() error = %v", err)
	}
	if len(audio) != 1 || audio[0] != 0xFF {
		t.Fatalf("audio=%v", audio)
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing event": `{"streamSid":"MZ1"}`,
		"empty media":   `{"event":"media","media":{}}`,
		"empty dtmf":    `{"event":"dtmf","dtmf":{}}`,
		"unknown event": `{"event":"transcription"}`,
	}
	for name, raw := range cases {
		if _, err := DecodeMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeMessage_PassiveEvents(t *testing.T) {
	for _, raw := range []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"m1"}}`,
		`{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"5"}}`,
		`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`,
	} {
		if _, err := DecodeMessage([]byte(raw)); err != nil {
			t.Fatalf("DecodeMessage(%s) error = %v", raw, err)
		}
	}
}

func TestOutboundFramesShape(t *testing.T) {
	b, err := json.Marshal(NewOutboundMedia("MZ1", []byte{0xFF}))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"event":"media","streamSid":"MZ1","media":{"payload":"/w=="}}` {
		t.Fatalf("media=%s", b)
	}
	b, _ = json.Marshal(NewOutboundClear("MZ1"))
	if string(b) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("clear=%s", b)
	}
	b, _ = json.Marshal(NewOutboundMark("MZ1", "turn-1"))
	if string(b) != `{"event":"mark","streamSid":"MZ1","mark":{"name":"turn-1"}}` {
		t.Fatalf("mark=%s", b)
	}
}

func TestSignature_KnownVector(t *testing.T) {
	// Parameters are appended name+value in name order after the URL.
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := Signature("12345", "https://mycompany.com/myapp.php?foo=1&bar=2", params)
	if got != "0/KCTR6DLpKmkAf8muzZqo1nDgQ=" {
		t.Fatalf("signature=%q", got)
	}
}

func TestValidSignature(t *testing.T) {
	const token = "secret"
	u := "wss://voice.example.com/v1/media-stream?tenant=acme"
	sig := Signature(token, u, nil)
	if !ValidSignature(token, u, sig) {
		t.Fatalf("valid signature rejected")
	}
	if ValidSignature(token, u+"&x=1", sig) {
		t.Fatalf("tampered url accepted")
	}
	if ValidSignature(token, u, "") || ValidSignature("", u, sig) {
		t.Fatalf("empty inputs accepted")
	}
}

func TestPublicURL(t *testing.T) {
	r := httptest.NewRequest("GET", "http://internal:8080/v1/media-stream?x=1", nil)
	if got := PublicURL(r, "wss://voice.example.com/"); got != "wss://voice.example.com/v1/media-stream?x=1" {
		t.Fatalf("url=%q", got)
	}
	r.Header.Set("X-Forwarded-Proto", "https")
	if got := PublicURL(r, ""); got != "wss://internal:8080/v1/media-stream?x=1" {
		t.Fatalf("url=%q", got)
	}
}
