package risk

import (
	"strings"
)

const qualityMinWords = 5

var boilerplatePhrases = []string{
	"great product",
	"good quality",
	"would recommend",
	"nice product",
	"lorem ipsum",
}

var domainKeywords = []string{
	"pet", "dog", "cat", "food", "toy", "store", "receipt", "treat", "litter", "leash",
}

// ScoreJustification rates the free-text justification in [0,1]. The score is
// informational: it never force-rejects a submission.
func ScoreJustification(text string) float64 {
	score := 1.0
	lowered := strings.ToLower(strings.TrimSpace(text))

	if len(strings.Fields(lowered)) < qualityMinWords {
		score -= 0.4
	}
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lowered, phrase) {
			score -= 0.3
			break
		}
	}
	hasKeyword := false
	for _, kw := range domainKeywords {
		if strings.Contains(lowered, kw) {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		score -= 0.3
	}

	if score < 0 {
		return 0
	}
	return score
}
