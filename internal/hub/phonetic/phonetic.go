// Package phonetic resolves spoken place names to hub area ids.
//
// The speech engine hears "living room" or "kitchen" while the hub knows
// "living_room" or "kitchen_2". Resolution proceeds in three stages:
//
//  1. Exact match after normalisation (lower case, '_' and '-' as spaces).
//
//  2. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the spoken name and of each area. Areas sharing a code
//     are ranked by Jaro-Winkler similarity and accepted above the phonetic
//     threshold.
//
//  3. When no phonetic candidate qualifies, pure Jaro-Winkler similarity is
//     tried against all areas with a higher fuzzy threshold.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched area to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Resolve returns the area id from areas that best matches spoken. When ok is
// false, area is empty and confidence is 0.
func (m *Matcher) Resolve(spoken string, areas []string) (area string, confidence float64, ok bool) {
	in := normalize(spoken)
	if in == "" || len(areas) == 0 {
		return "", 0, false
	}
	for _, a := range areas {
		if normalize(a) == in {
			return a, 1, true
		}
	}

	inTokens := strings.Fields(in)
	inCodes := codesForTokens(inTokens)

	type candidate struct {
		area     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, a := range areas {
		norm := normalize(a)
		if norm == "" {
			continue
		}
		tokens := strings.Fields(norm)
		phoneticMatch := codesOverlap(inCodes, codesForTokens(tokens))
		score := bestJWScore(inTokens, tokens, in, norm)

		if phoneticMatch {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{area: a, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= m.fuzzyThreshold && score > best.score {
			best = candidate{area: a, score: score}
		}
	}

	if best.area == "" {
		return "", 0, false
	}
	return best.area, best.score, true
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	s = strings.TrimPrefix(s, "the ")
	return strings.Join(strings.Fields(s), " ")
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens, excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity of the full strings, the
// space-stripped strings, and any pair of tokens.
func bestJWScore(inTokens, areaTokens []string, inFull, areaFull string) float64 {
	score := matchr.JaroWinkler(inFull, areaFull, false)

	if len(inTokens) > 1 || len(areaTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inTokens, ""), strings.Join(areaTokens, ""), false); s > score {
			score = s
		}
	}

	for _, it := range inTokens {
		for _, at := range areaTokens {
			if s := matchr.JaroWinkler(it, at, false); s > score {
				score = s
			}
		}
	}
	return score
}
