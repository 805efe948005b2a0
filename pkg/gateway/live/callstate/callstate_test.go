package callstate

import (
	"encoding/json"
	"testing"
	"time"
)

func TestApply_HistoryLengthMatchesTotalMessages(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New("CA1", base)

	for i := 0; i < 5; i++ {
		Apply(s, Update{History: []ConversationMessage{{Role: RoleUser, Text: "hi", Timestamp: base}}}, base.Add(time.Duration(i)*time.Second))
		if len(s.History) != s.Metadata.TotalMessages {
			t.Fatalf("len(history)=%d total_messages=%d", len(s.History), s.Metadata.TotalMessages)
		}
	}

	// A metadata overwrite carrying a stale counter must not break the invariant.
	Apply(s, Update{Metadata: &Metadata{TotalMessages: 99, BusinessID: "biz_1"}}, base.Add(time.Minute))
	if s.Metadata.TotalMessages != 5 {
		t.Fatalf("total_messages=%d, want 5", s.Metadata.TotalMessages)
	}
	if s.Metadata.BusinessID != "biz_1" {
		t.Fatalf("business_id=%q", s.Metadata.BusinessID)
	}
}

func TestApply_EntitiesConcatenate(t *testing.T) {
	now := time.Now()
	s := New("CA1", now)
	Apply(s, Update{Entities: &ExtractedEntities{Emails: []string{"a@example.com"}}}, now)
	Apply(s, Update{Entities: &ExtractedEntities{Emails: []string{"a@example.com"}, Names: []string{"Dana"}}}, now)

	if got := len(s.ExtractedEntities.Emails); got != 2 {
		t.Fatalf("emails=%d, want 2 (concatenated, not replaced)", got)
	}
	if got := s.ExtractedEntities.Count(); got != 3 {
		t.Fatalf("count=%d, want 3", got)
	}
}

func TestApply_LastActivityNeverMovesBackwards(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New("CA1", now)
	Apply(s, Update{}, now.Add(-time.Hour))
	if !s.LastActivityAt.Equal(now) {
		t.Fatalf("last_activity_at=%v, want %v", s.LastActivityAt, now)
	}
	Apply(s, Update{}, now.Add(time.Hour))
	if !s.LastActivityAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("last_activity_at=%v", s.LastActivityAt)
	}
	if !s.Metadata.LastActivityAt.Equal(s.LastActivityAt) {
		t.Fatalf("metadata.last_activity_at=%v, want %v", s.Metadata.LastActivityAt, s.LastActivityAt)
	}
}

func TestApply_FlowStateOverwrites(t *testing.T) {
	now := time.Now()
	s := New("CA1", now)
	Apply(s, Update{FlowState: &FlowState{PrimaryFlow: "lead_qualification", CompletedSteps: []string{"name"}}}, now)
	Apply(s, Update{FlowState: &FlowState{PrimaryFlow: "lead_qualification", SubFlow: "emergency"}}, now)
	if s.FlowState.SubFlow != "emergency" || len(s.FlowState.CompletedSteps) != 0 {
		t.Fatalf("flow_state=%+v", s.FlowState)
	}
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	s := New("CA1", now)
	conf := 0.8
	Apply(s, Update{
		History:   []ConversationMessage{{Role: RoleUser, Text: "x", Confidence: &conf, Entities: &ExtractedEntities{Names: []string{"A"}}}},
		Entities:  &ExtractedEntities{Names: []string{"A"}},
		FlowState: &FlowState{FlowData: map[string]string{"k": "v"}},
	}, now)

	c := s.Clone()
	c.History[0].Entities.Names[0] = "B"
	*c.History[0].Confidence = 0.1
	c.ExtractedEntities.Names[0] = "B"
	c.FlowState.FlowData["k"] = "changed"

	if s.History[0].Entities.Names[0] != "A" || *s.History[0].Confidence != 0.8 {
		t.Fatalf("clone shares history state")
	}
	if s.ExtractedEntities.Names[0] != "A" || s.FlowState.FlowData["k"] != "v" {
		t.Fatalf("clone shares entity/flow state")
	}
}

func TestVoiceSession_JSONRoundTripKeepsEmptyHistory(t *testing.T) {
	s := New("CA1", time.Now())
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out VoiceSession
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.History == nil || len(out.History) != 0 {
		t.Fatalf("history=%v, want empty non-nil", out.History)
	}
}

func TestFlowState_MarkCompletedIsOrderedSet(t *testing.T) {
	var f FlowState
	f.MarkCompleted("name")
	f.MarkCompleted("phone")
	if f.MarkCompleted("name") {
		t.Fatalf("duplicate step accepted")
	}
	if len(f.CompletedSteps) != 2 || f.CompletedSteps[0] != "name" || f.CompletedSteps[1] != "phone" {
		t.Fatalf("completed=%v", f.CompletedSteps)
	}
}
