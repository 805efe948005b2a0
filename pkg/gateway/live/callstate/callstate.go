// Package callstate holds the per-call conversational state shared by the call
// agent and the session store, together with the merge rules applied on update.
package callstate

import (
	"slices"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

type ConversationMessage struct {
	Role       Role               `json:"role"`
	Text       string             `json:"text"`
	Timestamp  time.Time          `json:"timestamp"`
	Intent     string             `json:"intent,omitempty"`
	Confidence *float64           `json:"confidence,omitempty"`
	Entities   *ExtractedEntities `json:"entities,omitempty"`
}

type AIIntent struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	TurnIndex  int       `json:"turn_index"`
	Context    string    `json:"context,omitempty"`
}

// CustomEntity is the free-form part of ExtractedEntities.
type CustomEntity struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExtractedEntities accumulates typed extractions across turns. Lists only grow.
type ExtractedEntities struct {
	Names         []string       `json:"names,omitempty"`
	Emails        []string       `json:"emails,omitempty"`
	PhoneNumbers  []string       `json:"phone_numbers,omitempty"`
	Dates         []string       `json:"dates,omitempty"`
	Locations     []string       `json:"locations,omitempty"`
	Organizations []string       `json:"organizations,omitempty"`
	Amounts       []string       `json:"amounts,omitempty"`
	Custom        []CustomEntity `json:"custom,omitempty"`
}

func (e ExtractedEntities) IsEmpty() bool {
	return e.Count() == 0
}

func (e ExtractedEntities) Count() int {
	return len(e.Names) + len(e.Emails) + len(e.PhoneNumbers) + len(e.Dates) +
		len(e.Locations) + len(e.Organizations) + len(e.Amounts) + len(e.Custom)
}

// Merge concatenates other onto e.
func (e *ExtractedEntities) Merge(other ExtractedEntities) {
	e.Names = append(e.Names, other.Names...)
	e.Emails = append(e.Emails, other.Emails...)
	e.PhoneNumbers = append(e.PhoneNumbers, other.PhoneNumbers...)
	e.Dates = append(e.Dates, other.Dates...)
	e.Locations = append(e.Locations, other.Locations...)
	e.Organizations = append(e.Organizations, other.Organizations...)
	e.Amounts = append(e.Amounts, other.Amounts...)
	e.Custom = append(e.Custom, other.Custom...)
}

// CustomValue returns the most recent value recorded for key.
func (e ExtractedEntities) CustomValue(key string) (string, bool) {
	for i := len(e.Custom) - 1; i >= 0; i-- {
		if e.Custom[i].Key == key {
			return e.Custom[i].Value, true
		}
	}
	return "", false
}

func (e ExtractedEntities) Clone() ExtractedEntities {
	return ExtractedEntities{
		Names:         slices.Clone(e.Names),
		Emails:        slices.Clone(e.Emails),
		PhoneNumbers:  slices.Clone(e.PhoneNumbers),
		Dates:         slices.Clone(e.Dates),
		Locations:     slices.Clone(e.Locations),
		Organizations: slices.Clone(e.Organizations),
		Amounts:       slices.Clone(e.Amounts),
		Custom:        slices.Clone(e.Custom),
	}
}

type FlowState struct {
	PrimaryFlow        string            `json:"primary_flow,omitempty"`
	SubFlow            string            `json:"sub_flow,omitempty"`
	FlowData           map[string]string `json:"flow_data,omitempty"`
	CompletedSteps     []string          `json:"completed_steps,omitempty"`
	NextExpectedInputs []string          `json:"next_expected_inputs,omitempty"`
	FlowStartedAt      time.Time         `json:"flow_started_at,omitzero"`
	LastUpdatedAt      time.Time         `json:"last_updated_at,omitzero"`
}

func (f FlowState) Active() bool {
	return f.PrimaryFlow != ""
}

// HasCompleted reports whether step is in the completed set.
func (f FlowState) HasCompleted(step string) bool {
	return slices.Contains(f.CompletedSteps, step)
}

// MarkCompleted appends step to the ordered completed set if absent.
func (f *FlowState) MarkCompleted(step string) bool {
	if f.HasCompleted(step) {
		return false
	}
	f.CompletedSteps = append(f.CompletedSteps, step)
	return true
}

func (f FlowState) Clone() FlowState {
	out := f
	out.CompletedSteps = slices.Clone(f.CompletedSteps)
	out.NextExpectedInputs = slices.Clone(f.NextExpectedInputs)
	if f.FlowData != nil {
		out.FlowData = make(map[string]string, len(f.FlowData))
		for k, v := range f.FlowData {
			out.FlowData[k] = v
		}
	}
	return out
}

type VoiceSettings struct {
	Provider string `json:"provider,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

type Metadata struct {
	BusinessID     string        `json:"business_id,omitempty"`
	CallerNumber   string        `json:"caller_number,omitempty"`
	CalledNumber   string        `json:"called_number,omitempty"`
	ProviderCallID string        `json:"provider_call_id,omitempty"`
	StreamID       string        `json:"stream_id,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitzero"`
	LastActivityAt time.Time     `json:"last_activity_at,omitzero"`
	EndedAt        time.Time     `json:"ended_at,omitzero"`
	EndReason      string        `json:"end_reason,omitempty"`
	Outcome        string        `json:"outcome,omitempty"`
	TotalMessages  int           `json:"total_messages"`
	VoiceSettings  VoiceSettings `json:"voice_settings,omitzero"`
}

type VoiceSession struct {
	CallID            string                `json:"call_id"`
	History           []ConversationMessage `json:"history"`
	IdentifiedIntents []AIIntent            `json:"identified_intents"`
	ExtractedEntities ExtractedEntities     `json:"extracted_entities"`
	FlowState         FlowState             `json:"flow_state"`
	Metadata          Metadata              `json:"metadata"`
	CreatedAt         time.Time             `json:"created_at"`
	LastActivityAt    time.Time             `json:"last_activity_at"`
}

// New returns an empty session for callID.
func New(callID string, now time.Time) *VoiceSession {
	return &VoiceSession{
		CallID:            callID,
		History:           []ConversationMessage{},
		IdentifiedIntents: []AIIntent{},
		Metadata: Metadata{
			ProviderCallID: callID,
			LastActivityAt: now,
		},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func (s *VoiceSession) Clone() *VoiceSession {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]ConversationMessage, len(s.History))
	for i, m := range s.History {
		if m.Entities != nil {
			ents := m.Entities.Clone()
			m.Entities = &ents
		}
		if m.Confidence != nil {
			c := *m.Confidence
			m.Confidence = &c
		}
		out.History[i] = m
	}
	out.IdentifiedIntents = slices.Clone(s.IdentifiedIntents)
	if out.IdentifiedIntents == nil {
		out.IdentifiedIntents = []AIIntent{}
	}
	out.ExtractedEntities = s.ExtractedEntities.Clone()
	out.FlowState = s.FlowState.Clone()
	return &out
}

// Touch advances the activity timestamps without changing content.
func (s *VoiceSession) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	if now.After(s.Metadata.LastActivityAt) {
		s.Metadata.LastActivityAt = now
	}
}

// Update is a partial session write. Nil/empty fields are left untouched.
type Update struct {
	History   []ConversationMessage
	Intents   []AIIntent
	Entities  *ExtractedEntities
	FlowState *FlowState
	Metadata  *Metadata
}

func (u Update) IsEmpty() bool {
	return len(u.History) == 0 && len(u.Intents) == 0 && u.Entities == nil && u.FlowState == nil && u.Metadata == nil
}

// Apply merges u into s: append for history and intents, list concatenation
// for entities, overwrite for flow state and non-zero metadata fields.
func Apply(s *VoiceSession, u Update, now time.Time) {
	if s.History == nil {
		s.History = []ConversationMessage{}
	}
	if s.IdentifiedIntents == nil {
		s.IdentifiedIntents = []AIIntent{}
	}
	s.History = append(s.History, u.History...)
	s.IdentifiedIntents = append(s.IdentifiedIntents, u.Intents...)
	if u.Entities != nil {
		s.ExtractedEntities.Merge(*u.Entities)
	}
	if u.FlowState != nil {
		s.FlowState = u.FlowState.Clone()
	}
	if u.Metadata != nil {
		mergeMetadata(&s.Metadata, *u.Metadata)
	}
	s.Metadata.TotalMessages = len(s.History)
	s.Touch(now)
}

func mergeMetadata(dst *Metadata, src Metadata) {
	setString(&dst.BusinessID, src.BusinessID)
	setString(&dst.CallerNumber, src.CallerNumber)
	setString(&dst.CalledNumber, src.CalledNumber)
	setString(&dst.ProviderCallID, src.ProviderCallID)
	setString(&dst.StreamID, src.StreamID)
	setString(&dst.EndReason, src.EndReason)
	setString(&dst.Outcome, src.Outcome)
	setString(&dst.VoiceSettings.Provider, src.VoiceSettings.Provider)
	setString(&dst.VoiceSettings.Voice, src.VoiceSettings.Voice)
	setString(&dst.VoiceSettings.Language, src.VoiceSettings.Language)
	if !src.StartedAt.IsZero() {
		dst.StartedAt = src.StartedAt
	}
	if !src.EndedAt.IsZero() {
		dst.EndedAt = src.EndedAt
	}
	if src.LastActivityAt.After(dst.LastActivityAt) {
		dst.LastActivityAt = src.LastActivityAt
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
