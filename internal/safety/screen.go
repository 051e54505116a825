// Package safety screens chat text before it reaches the reply model.
package safety

import (
	"regexp"
	"strings"
)

// Verdict is the outcome of screening one message.
type Verdict int

const (
	Allow Verdict = iota
	// Flag lets the message through but marks it for logging.
	Flag
	// Refuse keeps the message away from the model.
	Refuse
)

func (v Verdict) String() string {
	switch v {
	case Flag:
		return "flag"
	case Refuse:
		return "refuse"
	default:
		return "allow"
	}
}

// Finding explains a non-Allow verdict.
type Finding struct {
	Verdict Verdict
	Rule    string
}

type rule struct {
	name    string
	verdict Verdict
	re      *regexp.Regexp
}

// Rules are checked in order; the first match wins.
var rules = []rule{
	{"override_instructions", Refuse,
		regexp.MustCompile(`(?i)\b(ignore|disregard)\s+(all\s+)?(the\s+)?(previous|above|prior|earlier)\s+(instructions?|prompts?|rules?)`)},
	{"identity_override", Refuse,
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`)},
	{"system_prompt_override", Refuse,
		regexp.MustCompile(`(?i)\b(new\s+system\s+prompt|override\s+(the\s+)?(system\s+)?prompt)\b`)},
	{"system_prompt_extraction", Refuse,
		regexp.MustCompile(`(?i)\b(reveal|print|repeat|show)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions)\b`)},
	{"template_marker", Flag,
		regexp.MustCompile(`(?i)(\[\s*system\s*\]|<\|?\s*(system|im_start|im_end)\s*\|?>)`)},
}

// Screen checks text against the injection rules.
func Screen(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{Verdict: Allow}
	}
	for _, r := range rules {
		if r.re.MatchString(text) {
			return Finding{Verdict: r.verdict, Rule: r.name}
		}
	}
	return Finding{Verdict: Allow}
}
