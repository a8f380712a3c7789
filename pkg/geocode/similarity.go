package geocode

import "github.com/agext/levenshtein"

var simParams = levenshtein.NewParams()

// Similarity returns the normalized Levenshtein similarity of two
// strings in [0, 1], where 1 means identical.
func Similarity(a, b string) float64 {
	return levenshtein.Similarity(a, b, simParams)
}

// BestMatch scans candidates for the string most similar to target.
// ok is false when candidates is empty. Ties keep the earlier candidate.
func BestMatch(target string, candidates []string) (best string, score float64, ok bool) {
	for _, c := range candidates {
		if s := Similarity(target, c); !ok || s > score {
			best, score, ok = c, s, true
		}
	}
	return best, score, ok
}
