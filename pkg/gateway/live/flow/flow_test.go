package flow

import (
	"slices"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
	"github.com/vango-go/voicebridge/pkg/gateway/live/classify"
)

func advance(t *testing.T, e *Engine, c *classify.Classifier, state callstate.FlowState, utterance string) (callstate.FlowState, bool) {
	t.Helper()
	return e.Advance(state, c.Analyze(utterance), utterance, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

func TestAdvance_StartsOnLeadIntent(t *testing.T) {
	e, c := NewEngine(nil), classify.New()

	state, changed := advance(t, e, c, callstate.FlowState{}, "I need a quote")
	if !changed {
		t.Fatalf("changed=false")
	}
	if state.PrimaryFlow != LeadQualification {
		t.Fatalf("primary_flow=%q", state.PrimaryFlow)
	}
	if state.FlowStartedAt.IsZero() || state.LastUpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", state)
	}
	want := []string{StepName, StepPhone, StepEmail, StepNeed, StepAddress, StepPreferredTime}
	if !slices.Equal(state.NextExpectedInputs, want) {
		t.Fatalf("next_expected=%v, want %v", state.NextExpectedInputs, want)
	}
	q, ok := e.NextQuestion(state)
	if !ok || q.Key != StepName {
		t.Fatalf("next question=%+v ok=%v", q, ok)
	}
}

func TestAdvance_NoTriggerLeavesStateAlone(t *testing.T) {
	e, c := NewEngine(nil), classify.New()
	state, changed := advance(t, e, c, callstate.FlowState{}, "hello, who is this")
	if changed || state.Active() {
		t.Fatalf("state=%+v changed=%v", state, changed)
	}
	if _, ok := e.NextQuestion(state); ok {
		t.Fatalf("inactive flow returned a question")
	}
}

func TestAdvance_CollectsEntitiesAndFreeText(t *testing.T) {
	e, c := NewEngine(nil), classify.New()

	state, _ := advance(t, e, c, callstate.FlowState{}, "Hi, I'd like an estimate")
	state, _ = advance(t, e, c, state, "My name is Dana Smith and my number is 555-123-4567")
	if !state.HasCompleted(StepName) || !state.HasCompleted(StepPhone) {
		t.Fatalf("completed=%v", state.CompletedSteps)
	}
	if state.FlowData[StepName] != "Dana Smith" {
		t.Fatalf("flow_data=%v", state.FlowData)
	}
	if state.NextExpectedInputs[0] != StepEmail {
		t.Fatalf("next_expected=%v", state.NextExpectedInputs)
	}

	state, _ = advance(t, e, c, state, "dana@example.com")
	if state.NextExpectedInputs[0] != StepNeed {
		t.Fatalf("next_expected=%v", state.NextExpectedInputs)
	}

	// "need" is free text once it is the pending question.
	state, changed := advance(t, e, c, state, "The fence in the back yard fell over")
	if !changed || state.FlowData[StepNeed] != "The fence in the back yard fell over" {
		t.Fatalf("flow_data=%v changed=%v", state.FlowData, changed)
	}

	state, _ = advance(t, e, c, state, "It's 42 Oak Street 90210")
	state, _ = advance(t, e, c, state, "Tomorrow works")
	if state.SubFlow != SubFlowCompleted || len(state.NextExpectedInputs) != 0 {
		t.Fatalf("state=%+v", state)
	}
	if Outcome(state) != OutcomeCompleted {
		t.Fatalf("outcome=%q", Outcome(state))
	}
	if !slices.Equal(state.CompletedSteps, []string{StepName, StepPhone, StepEmail, StepNeed, StepAddress, StepPreferredTime}) {
		t.Fatalf("completed=%v", state.CompletedSteps)
	}
}

func TestAdvance_EmergencyNarrowsToEssentialQuestions(t *testing.T) {
	e, c := NewEngine(nil), classify.New()

	state, _ := advance(t, e, c, callstate.FlowState{}, "There is a gas leak in my kitchen")
	if state.SubFlow != SubFlowEmergency || !IsEmergency(state) {
		t.Fatalf("state=%+v", state)
	}
	want := []string{StepName, StepPhone, StepNeed, StepAddress}
	if !slices.Equal(state.NextExpectedInputs, want) {
		t.Fatalf("next_expected=%v, want %v", state.NextExpectedInputs, want)
	}

	state, _ = advance(t, e, c, state, "This is Sam Lee, 555 987 6543, I'm at 9 Elm Road")
	if !slices.Equal(state.NextExpectedInputs, []string{StepNeed}) {
		t.Fatalf("next_expected=%v", state.NextExpectedInputs)
	}
	state, _ = advance(t, e, c, state, "the stove pipe is hissing")
	if state.SubFlow != SubFlowCompleted {
		t.Fatalf("sub_flow=%q next=%v", state.SubFlow, state.NextExpectedInputs)
	}
}

func TestAdvance_DoesNotMutateInput(t *testing.T) {
	e, c := NewEngine(nil), classify.New()
	state, _ := advance(t, e, c, callstate.FlowState{}, "I need a quote")
	before := state.Clone()

	_, _ = advance(t, e, c, state, "my name is Dana")
	if !slices.Equal(state.CompletedSteps, before.CompletedSteps) || len(state.FlowData) != len(before.FlowData) {
		t.Fatalf("input state mutated: %+v", state)
	}
}

func TestOutcome(t *testing.T) {
	if got := Outcome(callstate.FlowState{}); got != OutcomeNoFlow {
		t.Fatalf("outcome=%q", got)
	}
	if got := Outcome(callstate.FlowState{PrimaryFlow: LeadQualification}); got != OutcomePartial {
		t.Fatalf("outcome=%q", got)
	}
}
