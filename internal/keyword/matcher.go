// Package keyword scans transcript fragments for distress keywords.
package keyword

import (
	"strings"

	"distressguard/internal/model"
)

// Default is the fixed distress lexicon. Match order follows this slice.
var Default = []string{
	"help", "emergency", "danger", "attack", "scared", "police",
	"ambulance", "fire", "hurt", "pain", "stop", "no", "afraid",
	"kidnap", "robbery", "theft", "assault", "harassment",
}

// Kiswahili is an opt-in extension lexicon.
var Kiswahili = []string{
	"saidia",  // help
	"acha",    // stop
	"hapana",  // no
	"naogopa", // I'm afraid
	"maumivu", // pain
	"wezi",    // robbers
	"hatari",  // danger
	"naibiwa", // I'm being robbed
	"polisi",  // police
	"mwizi",   // thief
	"napigwa", // I'm being beaten
}

type Matcher struct {
	lexicon []string
}

// NewMatcher returns a matcher over Default followed by extras. Extras are
// lower-cased, blank entries dropped and repeats removed.
func NewMatcher(extras ...[]string) *Matcher {
	seen := make(map[string]struct{}, len(Default))
	lexicon := make([]string, 0, len(Default))
	add := func(words []string) {
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			lexicon = append(lexicon, w)
		}
	}
	add(Default)
	for _, list := range extras {
		add(list)
	}
	return &Matcher{lexicon: lexicon}
}

func (m *Matcher) Lexicon() []string {
	out := make([]string, len(m.lexicon))
	copy(out, m.lexicon)
	return out
}

// Match returns one event per lexicon keyword contained in the fragment, in
// lexicon order. Partial fragments are matched the same as final ones.
func (m *Matcher) Match(f model.TranscriptFragment) []model.DetectionEvent {
	text := strings.ToLower(f.Text)
	if text == "" {
		return nil
	}
	var out []model.DetectionEvent
	for _, kw := range m.lexicon {
		if strings.Contains(text, kw) {
			out = append(out, model.DetectionEvent{
				Keyword:   kw,
				Fragment:  f,
				Timestamp: f.Timestamp,
			})
		}
	}
	return out
}

// Match runs the default lexicon.
func Match(f model.TranscriptFragment) []model.DetectionEvent {
	return defaultMatcher.Match(f)
}

var defaultMatcher = NewMatcher()
