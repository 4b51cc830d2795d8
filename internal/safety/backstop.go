package safety

import "strings"

// Backstop phrases per tier, matched case-insensitively as substrings of
// agent transcript text. The backstop runs ahead of the model's own
// judgment: a hit is recorded and logged but never notifies anyone.
var backstopPhrases = map[Tier][]string{
	TierHigh: {
		"kill myself",
		"want to die",
		"end my life",
		"suicide",
		"better off dead",
	},
	TierMedium: {
		"chest pain",
		"can't breathe",
		"cannot breathe",
		"i fell and",
		"fell down and",
		"bleeding",
		"stroke",
	},
	TierLow: {
		"so lonely",
		"haven't eaten",
		"nobody checks on me",
		"very dizzy",
	},
}

// ScanBackstop returns the highest tier whose phrase list matches text, or
// TierNone when nothing matches.
func ScanBackstop(text string) Tier {
	if text == "" {
		return TierNone
	}
	lower := strings.ToLower(text)
	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		for _, phrase := range backstopPhrases[tier] {
			if strings.Contains(lower, phrase) {
				return tier
			}
		}
	}
	return TierNone
}
