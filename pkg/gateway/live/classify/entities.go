package classify

import (
	"regexp"
	"strings"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

var (
	emailRe  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRe  = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	amountRe = regexp.MustCompile(`(?i)\$\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?|\b\d+(?:\.\d+)?\s?(?:dollars|bucks|usd)\b`)
	dateRe   = regexp.MustCompile(`(?i)\b(?:today|tomorrow|tonight|this (?:morning|afternoon|evening|weekend)|next week|(?:next |this )?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|\d{1,2}/\d{1,2}(?:/\d{2,4})?|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.? \d{1,2}(?:st|nd|rd|th)?)\b`)
	nameRe   = regexp.MustCompile(`\b(?i:my name is|this is|name's|i am|i'm)\s+([A-Za-z][a-z'\-]+(?:\s+[A-Z][a-z'\-]+)?)`)
	orgRe    = regexp.MustCompile(`\b(?i:i'm with|i am with|calling from|i work for|i work at|on behalf of)\s+([A-Z][\w&'\-]*(?:\s+[A-Z][\w&'\-]*){0,3})`)
	streetRe = regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[A-Za-z0-9]+\s){1,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|circle|cir)\b\.?`)
	zipRe    = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)
)

// nameStopwords rejects "I'm calling", "this is urgent" style false positives.
var nameStopwords = map[string]struct{}{
	"calling": {}, "looking": {}, "interested": {}, "having": {}, "trying": {}, "not": {},
	"urgent": {}, "an": {}, "a": {}, "the": {}, "with": {}, "from": {}, "just": {},
	"here": {}, "still": {}, "going": {}, "so": {}, "very": {}, "really": {}, "in": {},
	"at": {}, "home": {}, "out": {}, "sorry": {}, "good": {}, "fine": {}, "okay": {},
}

var serviceKeywords = map[string][]string{
	"plumbing":   {"plumber", "plumbing", "pipe", "drain", "toilet", "faucet", "water heater"},
	"hvac":       {"hvac", "furnace", "air conditioning", "ac", "heater", "heat pump", "thermostat"},
	"electrical": {"electrician", "electrical", "outlet", "breaker", "wiring", "sparking"},
	"roofing":    {"roof", "roofing", "shingles", "gutter"},
	"cleaning":   {"cleaning", "cleaner", "maid", "carpet"},
}

// ExtractEntities pulls typed entities out of a single utterance.
func ExtractEntities(utterance string) callstate.ExtractedEntities {
	var out callstate.ExtractedEntities
	if strings.TrimSpace(utterance) == "" {
		return out
	}

	out.Emails = uniqueMatches(emailRe.FindAllString(utterance, -1), strings.ToLower)
	masked := emailRe.ReplaceAllString(utterance, " ")
	out.PhoneNumbers = uniqueMatches(phoneRe.FindAllString(masked, -1), normalizePhone)
	masked = phoneRe.ReplaceAllString(masked, " ")
	out.Amounts = uniqueMatches(amountRe.FindAllString(masked, -1), strings.TrimSpace)
	out.Dates = uniqueMatches(dateRe.FindAllString(masked, -1), strings.ToLower)

	for _, m := range nameRe.FindAllStringSubmatch(masked, -1) {
		name := strings.TrimSpace(m[1])
		first := strings.ToLower(strings.Fields(name)[0])
		if _, stop := nameStopwords[first]; stop {
			continue
		}
		out.Names = appendUnique(out.Names, titleCase(name))
	}
	for _, m := range orgRe.FindAllStringSubmatch(masked, -1) {
		out.Organizations = appendUnique(out.Organizations, strings.TrimSpace(m[1]))
	}

	locations := uniqueMatches(streetRe.FindAllString(masked, -1), strings.TrimSpace)
	streetMasked := streetRe.ReplaceAllString(masked, " ")
	for _, zip := range zipRe.FindAllString(streetMasked, -1) {
		locations = appendUnique(locations, zip)
	}
	out.Locations = locations

	text := " " + normalize(utterance) + " "
	for _, service := range []string{"plumbing", "hvac", "electrical", "roofing", "cleaning"} {
		for _, kw := range serviceKeywords[service] {
			if strings.Contains(text, " "+kw+" ") {
				out.Custom = append(out.Custom, callstate.CustomEntity{Key: "service_type", Value: service})
				break
			}
		}
		if len(out.Custom) > 0 {
			break
		}
	}
	return out
}

func uniqueMatches(matches []string, norm func(string) string) []string {
	var out []string
	for _, m := range matches {
		out = appendUnique(out, norm(m))
	}
	return out
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func normalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch len(d) {
	case 10:
		return "+1" + d
	case 11:
		if d[0] == '1' {
			return "+" + d
		}
	}
	return d
}

func titleCase(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, " ")
}
