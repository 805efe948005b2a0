package classify

import (
	"slices"
	"testing"
)

func TestClassify_HighestTierWins(t *testing.T) {
	c := New()
	cases := []struct {
		in   string
		want Tier
	}{
		{"There's a gas leak and it's urgent", TierEmergency},
		{"It's leaking, please come asap", TierUrgent},
		{"URGENT: the basement is FLOODING!", TierEmergency},
		{"I'd like a quote for a new fence", TierNormal},
		{"", TierNormal},
		{"   ", TierNormal},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.in); got != tc.want {
			t.Fatalf("Classify(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClassify_MatchesWholeWordsOnly(t *testing.T) {
	c := New()
	// "fire" must not match inside "firewood".
	if got := c.Classify("Can you deliver firewood?"); got != TierNormal {
		t.Fatalf("tier=%v, want normal", got)
	}
}

func TestClassify_CustomRulesRespectOrder(t *testing.T) {
	c := NewWithRules([]TierRule{
		{Tier: TierEmergency, Keywords: []string{"red"}},
		{Tier: TierUrgent, Keywords: []string{"amber", "red"}},
	}, nil)
	if got := c.Classify("red and amber"); got != TierEmergency {
		t.Fatalf("tier=%v, want emergency", got)
	}
	if got := c.Classify("amber"); got != TierUrgent {
		t.Fatalf("tier=%v, want urgent", got)
	}
}

func TestAnalyze_IntentSelection(t *testing.T) {
	c := New()

	a := c.Analyze("How much would an estimate cost?")
	if a.Intent == nil || a.Intent.Label != IntentLeadQualification {
		t.Fatalf("intent=%+v, want lead_qualification", a.Intent)
	}
	if a.Intent.Confidence <= 0.6 || a.Intent.Confidence > 0.95 {
		t.Fatalf("confidence=%v", a.Intent.Confidence)
	}

	a = c.Analyze("Can I book an appointment for Tuesday?")
	if a.Intent == nil || a.Intent.Label != IntentAppointmentScheduling {
		t.Fatalf("intent=%+v, want appointment_scheduling", a.Intent)
	}

	a = c.Analyze("hello there")
	if a.Intent != nil {
		t.Fatalf("intent=%+v, want nil", a.Intent)
	}
}

func TestAnalyze_EmergencyTierForcesEmergencyIntent(t *testing.T) {
	a := New().Analyze("I smell gas, can I get a quote?")
	if a.Tier != TierEmergency {
		t.Fatalf("tier=%v", a.Tier)
	}
	if a.Intent == nil || a.Intent.Label != IntentEmergencyService {
		t.Fatalf("intent=%+v, want emergency_service", a.Intent)
	}
}

func TestFilterEssential(t *testing.T) {
	qs := []Question{
		{Key: "name", EssentialForEmergency: true},
		{Key: "email"},
		{Key: "address", EssentialForEmergency: true},
	}
	got := FilterEssential(qs, TierEmergency)
	if len(got) != 2 || got[0].Key != "name" || got[1].Key != "address" {
		t.Fatalf("filtered=%+v", got)
	}
	if got := FilterEssential(qs, TierUrgent); len(got) != 3 {
		t.Fatalf("urgent filtered=%+v, want all", got)
	}
	if len(qs) != 3 || qs[1].Key != "email" {
		t.Fatalf("input mutated: %+v", qs)
	}
}

func TestExtractEntities(t *testing.T) {
	e := ExtractEntities("Hi, my name is Dana Smith, you can reach me at 555-123-4567 or dana@example.com. " +
		"I'm at 42 Oak Street 90210 and need a plumber tomorrow, budget around $1,200.")

	if !slices.Equal(e.Names, []string{"Dana Smith"}) {
		t.Fatalf("names=%v", e.Names)
	}
	if !slices.Equal(e.PhoneNumbers, []string{"+15551234567"}) {
		t.Fatalf("phones=%v", e.PhoneNumbers)
	}
	if !slices.Equal(e.Emails, []string{"dana@example.com"}) {
		t.Fatalf("emails=%v", e.Emails)
	}
	if !slices.Contains(e.Locations, "42 Oak Street") || !slices.Contains(e.Locations, "90210") {
		t.Fatalf("locations=%v", e.Locations)
	}
	if !slices.Contains(e.Dates, "tomorrow") {
		t.Fatalf("dates=%v", e.Dates)
	}
	if !slices.Equal(e.Amounts, []string{"$1,200"}) {
		t.Fatalf("amounts=%v", e.Amounts)
	}
	if v, ok := e.CustomValue("service_type"); !ok || v != "plumbing" {
		t.Fatalf("service_type=%q ok=%v", v, ok)
	}
}

func TestExtractEntities_SkipsFalseNames(t *testing.T) {
	e := ExtractEntities("I'm calling because this is urgent")
	if len(e.Names) != 0 {
		t.Fatalf("names=%v, want none", e.Names)
	}
	e = ExtractEntities("I'm with Acme Roofing")
	if !slices.Equal(e.Organizations, []string{"Acme Roofing"}) {
		t.Fatalf("orgs=%v", e.Organizations)
	}
	if len(e.Names) != 0 {
		t.Fatalf("names=%v", e.Names)
	}
}

func TestExtractEntities_Empty(t *testing.T) {
	if e := ExtractEntities("  "); !e.IsEmpty() {
		t.Fatalf("entities=%+v", e)
	}
}
