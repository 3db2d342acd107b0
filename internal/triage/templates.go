// Package triage decides, as cheaply as possible, how an inbound message is
// handled: canned template, cached reasoning result, rate-limited rejection,
// or admission to the full reasoning path.
package triage

import "strings"

// template pairs a set of exact-match patterns with a canned response.
type template struct {
	patterns map[string]struct{}
	response string
}

// maxTemplateWords guards template matching against substantive content:
// anything longer than this many words always goes past the template stage.
const maxTemplateWords = 6

// Templates is a deterministic pattern -> canned-response table. Matching is
// exact against normalized text, never fuzzy.
type Templates struct {
	entries []template
}

// DefaultTemplates returns the built-in canned-response table.
func DefaultTemplates() *Templates {
	t := &Templates{}
	t.add([]string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"},
		"Hello! How can I help you today?")
	t.add([]string{"thanks", "thank you", "thx", "appreciate it"},
		"You're welcome! Is there anything else I can help you with?")
	t.add([]string{"bye", "goodbye", "see you", "have a nice day"},
		"Thank you for contacting us! Have a great day!")
	t.add([]string{"yes", "yeah", "yep", "sure", "okay", "ok"},
		"Great! Let me help you with that.")
	t.add([]string{"no", "nope", "not really", "no thanks"},
		"No problem! Let me know if you need anything else.")
	return t
}

func (t *Templates) add(patterns []string, response string) {
	set := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		set[p] = struct{}{}
	}
	t.entries = append(t.entries, template{patterns: set, response: response})
}

// Match returns the canned response for a normalized message, or "" when no
// template applies.
func (t *Templates) Match(normalized string) string {
	if normalized == "" || len(strings.Fields(normalized)) > maxTemplateWords {
		return ""
	}
	for _, e := range t.entries {
		if _, ok := e.patterns[normalized]; ok {
			return e.response
		}
	}
	return ""
}
