package outputguard

import "math"

// highAlphabet reports whether r belongs to the character classes a
// secret token is plausibly built from (alnum plus the handful of
// symbols base64/hex/URL-safe encodings use).
func highAlphabet(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '+', r == '/', r == '=', r == '-', r == '_', r == '.':
		return true
	default:
		return false
	}
}

// scanEntropy is a single left-to-right pass (O(n), no backtracking):
// it walks contiguous runs of highAlphabet runes, and for every run of
// at least minLen computes Shannon entropy over the run's own symbol
// frequencies, flagging the run if the per-symbol entropy is at least
// minBits.
func scanEntropy(text string, minLen int, minBits float64) []Match {
	var matches []Match
	runes := []rune(text)
	start := -1

	flush := func(end int) {
		if start < 0 {
			return
		}
		run := runes[start:end]
		if len(run) >= minLen && shannonEntropy(run) >= minBits {
			matches = append(matches, Match{Kind: KindHighEntropy, Text: string(run)})
		}
		start = -1
	}

	for i, r := range runes {
		if highAlphabet(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(runes))

	return matches
}

// shannonEntropy computes bits-per-symbol entropy over a single run.
// Cost is O(len(run)) — one frequency pass plus one summation pass.
func shannonEntropy(run []rune) float64 {
	freq := make(map[rune]int, len(run))
	for _, r := range run {
		freq[r]++
	}
	n := float64(len(run))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
