// Package classify implements the per-utterance urgency, intent and entity
// classifier used by the call agent. Everything here is stateless.
package classify

import (
	"strings"
	"unicode"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

type Tier int

const (
	TierNormal Tier = iota
	TierUrgent
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierEmergency:
		return "emergency"
	case TierUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

const (
	IntentLeadQualification     = "lead_qualification"
	IntentAppointmentScheduling = "appointment_scheduling"
	IntentEmergencyService      = "emergency_service"
	IntentSupport               = "support"
	IntentCancellation          = "cancellation"
)

// TierRule lists the keywords that select a tier.
type TierRule struct {
	Tier     Tier
	Keywords []string
}

type IntentRule struct {
	Label    string
	Keywords []string
}

// Question is one item of a flow's question set.
type Question struct {
	Key                   string
	Prompt                string
	EssentialForEmergency bool
}

type Intent struct {
	Label      string
	Confidence float64
	Matched    []string
}

type Analysis struct {
	Tier     Tier
	Intent   *Intent
	Entities callstate.ExtractedEntities
}

// DefaultTierRules are evaluated most urgent first.
var DefaultTierRules = []TierRule{
	{Tier: TierEmergency, Keywords: []string{
		"emergency", "fire", "smoke", "gas leak", "smell gas", "flood", "flooding",
		"burst pipe", "pipe burst", "sparking", "electrical fire", "carbon monoxide",
		"sewage backup", "no heat", "collapsed", "injured", "dangerous",
	}},
	{Tier: TierUrgent, Keywords: []string{
		"urgent", "asap", "as soon as possible", "right away", "immediately", "today",
		"leak", "leaking", "broken", "not working", "stopped working", "no hot water",
		"overflowing", "backed up",
	}},
}

var DefaultIntentRules = []IntentRule{
	{Label: IntentEmergencyService, Keywords: []string{"emergency", "send someone now", "right now"}},
	{Label: IntentLeadQualification, Keywords: []string{
		"quote", "estimate", "pricing", "price", "how much", "cost", "bid", "new customer", "interested in",
	}},
	{Label: IntentAppointmentScheduling, Keywords: []string{
		"appointment", "schedule", "book", "booking", "come out", "available", "availability", "reschedule",
	}},
	{Label: IntentCancellation, Keywords: []string{"cancel", "cancellation", "call off"}},
	{Label: IntentSupport, Keywords: []string{
		"problem", "issue", "help with", "question about", "not working", "broken", "repair", "fix",
	}},
}

type Classifier struct {
	tiers   []TierRule
	intents []IntentRule
}

// New returns a classifier using the default keyword tables.
func New() *Classifier {
	return NewWithRules(DefaultTierRules, DefaultIntentRules)
}

// NewWithRules builds a classifier; tiers must be ordered most urgent first.
func NewWithRules(tiers []TierRule, intents []IntentRule) *Classifier {
	c := &Classifier{
		tiers:   make([]TierRule, 0, len(tiers)),
		intents: make([]IntentRule, 0, len(intents)),
	}
	for _, r := range tiers {
		c.tiers = append(c.tiers, TierRule{Tier: r.Tier, Keywords: normalizeKeywords(r.Keywords)})
	}
	for _, r := range intents {
		c.intents = append(c.intents, IntentRule{Label: r.Label, Keywords: normalizeKeywords(r.Keywords)})
	}
	return c
}

// Classify returns the first tier whose keywords match, or TierNormal.
func (c *Classifier) Classify(utterance string) Tier {
	text := normalize(utterance)
	if text == "" {
		return TierNormal
	}
	for _, rule := range c.tiers {
		if len(matchKeywords(text, rule.Keywords)) > 0 {
			return rule.Tier
		}
	}
	return TierNormal
}

// Analyze classifies the tier and intent and extracts entities from one utterance.
func (c *Classifier) Analyze(utterance string) Analysis {
	out := Analysis{Tier: c.Classify(utterance)}
	text := normalize(utterance)
	if text != "" {
		out.Intent = c.detectIntent(text, out.Tier)
	}
	out.Entities = ExtractEntities(utterance)
	return out
}

func (c *Classifier) detectIntent(text string, tier Tier) *Intent {
	var best *Intent
	for _, rule := range c.intents {
		matched := matchKeywords(text, rule.Keywords)
		if len(matched) == 0 {
			continue
		}
		if best == nil || len(matched) > len(best.Matched) {
			best = &Intent{Label: rule.Label, Matched: matched}
		}
	}
	if tier == TierEmergency && (best == nil || best.Label != IntentEmergencyService) {
		best = &Intent{Label: IntentEmergencyService, Matched: []string{"tier:emergency"}}
	}
	if best == nil {
		return nil
	}
	best.Confidence = confidenceFor(len(best.Matched))
	return best
}

func confidenceFor(matches int) float64 {
	c := 0.6 + 0.1*float64(matches-1)
	if c > 0.95 {
		return 0.95
	}
	return c
}

// FilterEssential narrows questions to the emergency-essential subset when
// tier is TierEmergency. The input slice is never modified.
func FilterEssential(questions []Question, tier Tier) []Question {
	out := make([]Question, 0, len(questions))
	for _, q := range questions {
		if tier == TierEmergency && !q.EssentialForEmergency {
			continue
		}
		out = append(out, q)
	}
	return out
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if n := normalize(kw); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// normalize lowercases and collapses everything but letters and digits to
// single spaces so keywords match on word boundaries.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if r == '\'' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func matchKeywords(text string, keywords []string) []string {
	padded := " " + text + " "
	var matched []string
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			matched = append(matched, kw)
		}
	}
	return matched
}
