package util

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// ScoreCompletions returns the top N matches for the input string from the candidates list.
func ScoreCompletions(input string, candidates []string, n int) []string {
	if input == "" {
		return candidates
	}
	matches := fuzzy.Find(input, candidates)
	if len(matches) == 0 {
		return nil
	}

	limit := n
	if n <= 0 || len(matches) < limit {
		limit = len(matches)
	}

	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = matches[i].Str
	}
	return out
}

// SuggestCommand returns the closest known command for an unrecognized one,
// or "" when nothing is close. A known command also matches when it is a
// subsequence of the unknown one, which catches doubled letters.
func SuggestCommand(unknown string, known []string) string {
	unknown = strings.ToLower(strings.TrimSpace(unknown))
	if unknown == "" {
		return ""
	}
	if best := ScoreCompletions(unknown, known, 1); len(best) == 1 {
		return best[0]
	}
	for _, k := range known {
		if len(fuzzy.Find(k, []string{unknown})) > 0 {
			return k
		}
	}
	return ""
}
