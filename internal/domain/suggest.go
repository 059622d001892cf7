package domain

import "strings"

const (
	// Suggestion weights
	scorePrefix    = 75.0
	scoreSubstring = 50.0
	scoreFuzzy     = 25.0

	// Position bonus for substring matches (earlier is better)
	scorePositionBonus = 10.0
)

// Suggest returns the name closest to query, or "" when none is close
// enough to propose. Ties go to the alphabetically first name.
func Suggest(query string, names []string) string {
	query = strings.ToLower(query)
	best, bestScore := "", 0.0
	for _, name := range names {
		score := nameScore(query, strings.ToLower(name))
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && name < best) {
			best, bestScore = name, score
		}
	}
	return best
}

// nameScore rates how well query matches name. 0 means no match.
func nameScore(query, name string) float64 {
	if query == "" || name == "" {
		return 0
	}
	if strings.HasPrefix(name, query) {
		return scorePrefix
	}
	if i := strings.Index(name, query); i >= 0 {
		return scoreSubstring + scorePositionBonus*(1-float64(i)/float64(len(name)))
	}
	// Typos: most characters shared and similar length
	if sim := similarity(query, name); sim > 0.5 {
		return scoreFuzzy * sim
	}
	return 0
}

// similarity is the share of query's characters found in name, scaled by
// the length ratio of the two.
func similarity(query, name string) float64 {
	matches := 0
	for _, c := range query {
		if strings.ContainsRune(name, c) {
			matches++
		}
	}
	short, long := len(query), len(name)
	if short > long {
		short, long = long, short
	}
	return float64(matches) / float64(len(query)) * float64(short) / float64(long)
}
