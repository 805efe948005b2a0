// Package notify publishes call-completion summaries for downstream
// consumers (CRM sync, follow-up email). Delivery to people happens there.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

const DefaultSubject = "voicebridge.calls.completed"

type CallSummary struct {
	CallID          string                      `json:"call_id"`
	BusinessID      string                      `json:"business_id,omitempty"`
	CallerNumber    string                      `json:"caller_number,omitempty"`
	CalledNumber    string                      `json:"called_number,omitempty"`
	Status          string                      `json:"status"`
	EndReason       string                      `json:"end_reason,omitempty"`
	Outcome         string                      `json:"outcome,omitempty"`
	StartedAt       time.Time                   `json:"started_at,omitzero"`
	EndedAt         time.Time                   `json:"ended_at,omitzero"`
	DurationSeconds float64                     `json:"duration_seconds"`
	TotalMessages   int                         `json:"total_messages"`
	Intents         []string                    `json:"intents,omitempty"`
	PrimaryFlow     string                      `json:"primary_flow,omitempty"`
	SubFlow         string                      `json:"sub_flow,omitempty"`
	FlowData        map[string]string           `json:"flow_data,omitempty"`
	Entities        callstate.ExtractedEntities `json:"entities"`
}

// NewSummary builds the summary for a finished session.
func NewSummary(sess *callstate.VoiceSession, status string) CallSummary {
	s := CallSummary{
		CallID:        sess.CallID,
		BusinessID:    sess.Metadata.BusinessID,
		CallerNumber:  sess.Metadata.CallerNumber,
		CalledNumber:  sess.Metadata.CalledNumber,
		Status:        status,
		EndReason:     sess.Metadata.EndReason,
		Outcome:       sess.Metadata.Outcome,
		StartedAt:     sess.Metadata.StartedAt,
		EndedAt:       sess.Metadata.EndedAt,
		TotalMessages: sess.Metadata.TotalMessages,
		PrimaryFlow:   sess.FlowState.PrimaryFlow,
		SubFlow:       sess.FlowState.SubFlow,
		FlowData:      sess.FlowState.Clone().FlowData,
		Entities:      sess.ExtractedEntities.Clone(),
	}
	if !s.StartedAt.IsZero() && s.EndedAt.After(s.StartedAt) {
		s.DurationSeconds = s.EndedAt.Sub(s.StartedAt).Seconds()
	}
	seen := map[string]bool{}
	for _, in := range sess.IdentifiedIntents {
		if !seen[in.Label] {
			seen[in.Label] = true
			s.Intents = append(s.Intents, in.Label)
		}
	}
	return s
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("voicebridge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// PublishCallCompleted publishes s and waits for the server to acknowledge
// the flush. The call id doubles as the JetStream de-duplication id.
func (p *NATSPublisher) PublishCallCompleted(ctx context.Context, s CallSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal call summary: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Header.Set(nats.MsgIdHdr, s.CallID)
	msg.Data = data
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish call summary: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush call summary: %w", err)
	}
	return nil
}
