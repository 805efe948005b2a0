// Package flow drives the lead-capture conversation: which questions the agent
// still has to ask, and which the caller has already answered.
package flow

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
	"github.com/vango-go/voicebridge/pkg/gateway/live/classify"
)

const (
	LeadQualification = "lead_qualification"

	SubFlowEmergency = "emergency"
	SubFlowCompleted = "completed"
)

const (
	StepName          = "name"
	StepPhone         = "phone"
	StepEmail         = "email"
	StepNeed          = "need"
	StepAddress       = "address"
	StepPreferredTime = "preferred_time"
)

const (
	OutcomeCompleted  = "lead_captured"
	OutcomePartial    = "lead_partial"
	OutcomeNoFlow     = "no_flow"
	dataTriggerIntent = "trigger_intent"
	dataUrgency       = "urgency"
)

// Step is one question of a flow plus how to answer it from extracted entities.
type Step struct {
	classify.Question

	// Extract pulls the answer out of one turn's entities.
	Extract func(callstate.ExtractedEntities) (string, bool)
	// FreeText steps accept the raw utterance when they were the pending question.
	FreeText bool
}

// LeadCapture is the default question set.
var LeadCapture = []Step{
	{
		Question: classify.Question{Key: StepName, Prompt: "Could I get your name, please?", EssentialForEmergency: true},
		Extract:  first(func(e callstate.ExtractedEntities) []string { return e.Names }),
	},
	{
		Question: classify.Question{Key: StepPhone, Prompt: "What's the best phone number to reach you?", EssentialForEmergency: true},
		Extract:  first(func(e callstate.ExtractedEntities) []string { return e.PhoneNumbers }),
	},
	{
		Question: classify.Question{Key: StepEmail, Prompt: "What email address should we send the details to?"},
		Extract:  first(func(e callstate.ExtractedEntities) []string { return e.Emails }),
	},
	{
		Question: classify.Question{Key: StepNeed, Prompt: "Can you briefly describe what you need help with?", EssentialForEmergency: true},
		Extract: func(e callstate.ExtractedEntities) (string, bool) {
			return e.CustomValue("service_type")
		},
		FreeText: true,
	},
	{
		Question: classify.Question{Key: StepAddress, Prompt: "What's the address where you need the service?", EssentialForEmergency: true},
		Extract: func(e callstate.ExtractedEntities) (string, bool) {
			if len(e.Locations) == 0 {
				return "", false
			}
			return strings.Join(e.Locations, ", "), true
		},
	},
	{
		Question: classify.Question{Key: StepPreferredTime, Prompt: "When would be a good time for us to come out?"},
		Extract:  first(func(e callstate.ExtractedEntities) []string { return e.Dates }),
		FreeText: true,
	},
}

func first(list func(callstate.ExtractedEntities) []string) func(callstate.ExtractedEntities) (string, bool) {
	return func(e callstate.ExtractedEntities) (string, bool) {
		l := list(e)
		if len(l) == 0 {
			return "", false
		}
		return l[0], true
	}
}

var defaultTriggers = []string{
	classify.IntentLeadQualification,
	classify.IntentAppointmentScheduling,
	classify.IntentEmergencyService,
}

type Engine struct {
	steps    []Step
	triggers []string
}

// NewEngine returns an engine over steps; nil selects LeadCapture.
func NewEngine(steps []Step) *Engine {
	if len(steps) == 0 {
		steps = LeadCapture
	}
	return &Engine{steps: steps, triggers: defaultTriggers}
}

func (e *Engine) questions() []classify.Question {
	out := make([]classify.Question, 0, len(e.steps))
	for _, s := range e.steps {
		out = append(out, s.Question)
	}
	return out
}

// Advance folds one analysed user turn into state. The returned state is a
// fresh copy; changed reports whether anything other than timestamps moved.
func (e *Engine) Advance(state callstate.FlowState, a classify.Analysis, utterance string, now time.Time) (callstate.FlowState, bool) {
	next := state.Clone()
	wasActive := state.Active()

	if !wasActive {
		if a.Intent == nil || !slices.Contains(e.triggers, a.Intent.Label) {
			return state, false
		}
		next.PrimaryFlow = LeadQualification
		next.FlowStartedAt = now
		next.FlowData = map[string]string{dataTriggerIntent: a.Intent.Label}
	}
	if next.FlowData == nil {
		next.FlowData = map[string]string{}
	}

	if a.Tier == classify.TierEmergency {
		next.FlowData[dataUrgency] = classify.TierEmergency.String()
		if next.SubFlow != SubFlowCompleted {
			next.SubFlow = SubFlowEmergency
		}
	} else if a.Tier == classify.TierUrgent && next.FlowData[dataUrgency] == "" {
		next.FlowData[dataUrgency] = classify.TierUrgent.String()
	}

	var pending string
	if wasActive && len(state.NextExpectedInputs) > 0 {
		pending = state.NextExpectedInputs[0]
	}
	text := strings.TrimSpace(utterance)
	for _, step := range e.steps {
		if next.HasCompleted(step.Key) {
			continue
		}
		value, ok := "", false
		if step.Extract != nil {
			value, ok = step.Extract(a.Entities)
		}
		if !ok && step.FreeText && step.Key == pending && text != "" {
			value, ok = text, true
		}
		if ok {
			next.FlowData[step.Key] = value
			next.MarkCompleted(step.Key)
		}
	}

	next.NextExpectedInputs = e.remaining(next)
	if len(next.NextExpectedInputs) == 0 {
		next.SubFlow = SubFlowCompleted
	}

	changed := next.PrimaryFlow != state.PrimaryFlow ||
		next.SubFlow != state.SubFlow ||
		!slices.Equal(next.CompletedSteps, state.CompletedSteps) ||
		!slices.Equal(next.NextExpectedInputs, state.NextExpectedInputs) ||
		!maps.Equal(next.FlowData, state.FlowData)
	if changed {
		next.LastUpdatedAt = now
	}
	return next, changed
}

func (e *Engine) remaining(state callstate.FlowState) []string {
	tier := classify.TierNormal
	if state.FlowData[dataUrgency] == classify.TierEmergency.String() {
		tier = classify.TierEmergency
	}
	var out []string
	for _, q := range classify.FilterEssential(e.questions(), tier) {
		if !state.HasCompleted(q.Key) {
			out = append(out, q.Key)
		}
	}
	return out
}

// NextQuestion returns the question for the first expected input.
func (e *Engine) NextQuestion(state callstate.FlowState) (classify.Question, bool) {
	if !state.Active() || len(state.NextExpectedInputs) == 0 {
		return classify.Question{}, false
	}
	key := state.NextExpectedInputs[0]
	for _, s := range e.steps {
		if s.Key == key {
			return s.Question, true
		}
	}
	return classify.Question{}, false
}

// Outcome summarises the flow for the final session update.
func Outcome(state callstate.FlowState) string {
	switch {
	case !state.Active():
		return OutcomeNoFlow
	case state.SubFlow == SubFlowCompleted:
		return OutcomeCompleted
	default:
		return OutcomePartial
	}
}

// IsEmergency reports whether the flow has been escalated at any point.
func IsEmergency(state callstate.FlowState) bool {
	return state.FlowData[dataUrgency] == classify.TierEmergency.String()
}
