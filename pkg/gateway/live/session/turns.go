package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vango-go/voicebridge/pkg/core/voice/realtime"
	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
	"github.com/vango-go/voicebridge/pkg/gateway/live/flow"
)

type pendingTurn struct {
	role callstate.Role
	text string
}

// turnQueue is unbounded so the provider reader never waits on the store.
type turnQueue struct {
	mu    sync.Mutex
	items []pendingTurn
	ready chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{ready: make(chan struct{}, 1)}
}

func (q *turnQueue) push(t pendingTurn) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *turnQueue) drain() []pendingTurn {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (a *CallAgent) processTurns(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.turns.ready:
			for _, t := range a.turns.drain() {
				a.recordQueued(ctx, t)
			}
		}
	}
}

func (a *CallAgent) drainTurns() {
	for _, t := range a.turns.drain() {
		a.recordQueued(context.Background(), t)
	}
}

func (a *CallAgent) recordQueued(ctx context.Context, t pendingTurn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.StoreTimeout)
	defer cancel()
	if err := a.RecordTurn(ctx, t.role, t.text); err != nil {
		a.logger.Warn("turn not recorded", "role", string(t.role), "error", err)
	}
}

// RecordTurn appends one finished utterance to the session. Caller turns are
// classified, their entities and intent folded in, and the lead-capture flow
// advanced; when the next question changes the provider is told what to ask.
func (a *CallAgent) RecordTurn(ctx context.Context, role callstate.Role, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !role.Valid() {
		return fmt.Errorf("record turn: invalid role %q", role)
	}

	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	now := a.now()
	a.mu.Lock()
	var prev callstate.FlowState
	turnIndex := 0
	if a.working != nil {
		prev = a.working.FlowState.Clone()
		turnIndex = len(a.working.History)
	}
	a.mu.Unlock()

	msg := callstate.ConversationMessage{Role: role, Text: text, Timestamp: now}
	var u callstate.Update
	var guidance string

	if role == callstate.RoleUser {
		analysis := a.classifier.Analyze(text)
		if analysis.Intent != nil {
			conf := analysis.Intent.Confidence
			msg.Intent = analysis.Intent.Label
			msg.Confidence = &conf
			u.Intents = []callstate.AIIntent{{
				Label:      analysis.Intent.Label,
				Confidence: conf,
				Timestamp:  now,
				TurnIndex:  turnIndex,
				Context:    text,
			}}
		}
		if !analysis.Entities.IsEmpty() {
			ents := analysis.Entities.Clone()
			msg.Entities = &ents
			u.Entities = &analysis.Entities
		}
		if next, changed := a.flow.Advance(prev, analysis, text, now); changed {
			u.FlowState = &next
			guidance = a.guidance(prev, next)
		}
	}
	u.History = []callstate.ConversationMessage{msg}

	sess, err := a.store.Update(ctx, a.callID, u)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	a.mu.Lock()
	a.working = sess.Clone()
	leg := a.leg
	a.mu.Unlock()
	a.observer.TurnRecorded(string(role))

	if guidance != "" && leg != nil {
		if err := leg.SendInstruction(guidance); err != nil {
			a.logger.Warn("provider guidance not sent", "error", err)
		}
	}
	return nil
}

// guidance is the instruction sent to the provider after the flow moved from
// prev to next. Empty means nothing worth saying.
func (a *CallAgent) guidance(prev, next callstate.FlowState) string {
	var parts []string
	if next.SubFlow == flow.SubFlowEmergency && prev.SubFlow != flow.SubFlowEmergency {
		parts = append(parts, a.escalation())
	}
	q, ok := a.flow.NextQuestion(next)
	prevQ, prevOK := a.flow.NextQuestion(prev)
	switch {
	case ok && (!prevOK || q.Key != prevQ.Key):
		parts = append(parts, "Next, ask the caller: "+q.Prompt)
	case next.SubFlow == flow.SubFlowCompleted && prev.SubFlow != flow.SubFlowCompleted:
		parts = append(parts, "You have everything needed. Read the details back to the caller and tell them the team will follow up shortly.")
	}
	return strings.Join(parts, " ")
}

func (a *CallAgent) escalation() string {
	msg := "This is an emergency. Stay calm, keep questions to the essentials, and if anyone is in danger tell the caller to hang up and dial 911."
	if n := strings.TrimSpace(a.business.EscalationNumber); n != "" {
		msg += " Let them know the on-call line is " + n + "."
	}
	return msg
}

const baseInstructions = "You are the phone receptionist for %s. Speak naturally and keep replies to one or two short sentences. " +
	"Collect the caller's name, phone number, email, what they need, the service address and a preferred time, one question at a time. " +
	"Never invent prices or availability."

func (a *CallAgent) providerOptions() realtime.Options {
	opts := a.provider
	name := strings.TrimSpace(a.business.Name)
	if name == "" {
		name = "the business"
	}
	parts := []string{fmt.Sprintf(baseInstructions, name)}
	if s := strings.TrimSpace(a.provider.Instructions); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(a.business.Instructions); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(a.business.Greeting); s != "" {
		parts = append(parts, fmt.Sprintf("Open the call by saying: %q", s))
	}
	opts.Instructions = strings.Join(parts, "\n\n")
	if v := strings.TrimSpace(a.business.Voice); v != "" {
		opts.Voice = v
	}
	if l := strings.TrimSpace(a.business.Language); l != "" {
		opts.Language = l
	}
	return opts
}
