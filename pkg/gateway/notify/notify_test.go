package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func finishedSession() *callstate.VoiceSession {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	sess := callstate.New("CA123", start)
	conf := 0.7
	callstate.Apply(sess, callstate.Update{
		History: []callstate.ConversationMessage{{Role: callstate.RoleUser, Text: "I need a quote", Confidence: &conf}},
		Intents: []callstate.AIIntent{
			{Label: "lead_qualification", Confidence: 0.7},
			{Label: "lead_qualification", Confidence: 0.8},
		},
		Entities:  &callstate.ExtractedEntities{Names: []string{"Dana"}},
		FlowState: &callstate.FlowState{PrimaryFlow: "lead_qualification", FlowData: map[string]string{"name": "Dana"}},
		Metadata: &callstate.Metadata{
			BusinessID: "biz_1",
			StartedAt:  start,
			EndedAt:    start.Add(90 * time.Second),
			EndReason:  "caller_hangup",
			Outcome:    "lead_partial",
		},
	}, start.Add(90*time.Second))
	return sess
}

func TestNewSummary(t *testing.T) {
	s := NewSummary(finishedSession(), "ended")
	assert.Equal(t, "CA123", s.CallID)
	assert.Equal(t, "biz_1", s.BusinessID)
	assert.Equal(t, 90.0, s.DurationSeconds)
	assert.Equal(t, []string{"lead_qualification"}, s.Intents)
	assert.Equal(t, 1, s.TotalMessages)
	assert.Equal(t, "Dana", s.FlowData["name"])
	assert.Equal(t, []string{"Dana"}, s.Entities.Names)
}

func TestNATSPublisher_PublishCallCompleted(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(DefaultSubject, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewNATSPublisher(nc, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pub.PublishCallCompleted(ctx, NewSummary(finishedSession(), "ended")))

	select {
	case msg := <-ch:
		var got CallSummary
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "CA123", got.CallID)
		assert.Equal(t, "ended", got.Status)
		assert.Equal(t, "CA123", msg.Header.Get(nats.MsgIdHdr))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for call summary")
	}
}

func TestConnect(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())
}
