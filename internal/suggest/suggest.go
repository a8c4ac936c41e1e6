// Package suggest finds the closest known tool or server name for a
// misspelled one, using Double Metaphone phonetic encoding combined with
// Jaro-Winkler string similarity.
//
// Downstream callers are usually LLMs, and LLMs routinely mangle identifiers
// they saw earlier in a conversation: "writeMemory" for "write_memory",
// "serena-agent" for "serena". A plain equality check turns each of those
// into a dead end; a ranked nearest-name suggestion turns them into a
// one-step recovery.
//
// The matcher proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the input and of every candidate (identifiers are
//     tokenized on "_", "-", "." and spaces). Any shared code makes the
//     candidate a phonetic match.
//
//  2. Jaro-Winkler ranking: among phonetic matches, the candidate with the
//     highest Jaro-Winkler similarity wins, provided it clears the phonetic
//     floor. When no phonetic match exists, a fallback pass accepts the
//     best pure Jaro-Winkler score above a stricter fuzzy floor.
package suggest

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Phonetic hits already sound alike, so they clear a lower similarity bar
// than candidates matched on spelling alone.
const (
	phoneticFloor = 0.70
	fuzzyFloor    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched candidate to be accepted. Default: 0.70.
func WithPhoneticThreshold(min float64) Option {
	return func(m *Matcher) { m.minPhonetic = min }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(min float64) Option {
	return func(m *Matcher) { m.minFuzzy = min }
}

// Matcher ranks candidate names against an input name. All methods are safe
// for concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	minPhonetic float64
	minFuzzy    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{minPhonetic: phoneticFloor, minFuzzy: fuzzyFloor}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var defaultMatcher = New()

// Closest returns the candidate closest to name using the default matcher,
// or ok=false when nothing clears the thresholds.
func Closest(name string, candidates []string) (match string, ok bool) {
	match, _, ok = defaultMatcher.Best(name, candidates)
	return match, ok
}

// Best returns the candidate most similar to name, with its similarity
// score. When ok is false, match is empty and score is 0.
func (m *Matcher) Best(name string, candidates []string) (match string, score float64, ok bool) {
	input := profileOf(name)
	if input.full == "" || len(candidates) == 0 {
		return "", 0, false
	}

	var phonName, fuzzName string
	var phonScore, fuzzScore float64

	for _, cand := range candidates {
		p := profileOf(cand)
		if p.full == "" {
			continue
		}
		if p.full == input.full {
			// Exact (case-insensitive) hits are the caller's job; a
			// suggestion repeating the input helps nobody.
			continue
		}

		s := similarity(input, p)
		if sharesCode(input.codes, p.codes) {
			if s >= m.minPhonetic && s > phonScore {
				phonName, phonScore = cand, s
			}
		} else if s >= m.minFuzzy && s > fuzzScore {
			fuzzName, fuzzScore = cand, s
		}
	}

	switch {
	case phonName != "":
		return phonName, phonScore, true
	case fuzzName != "":
		return fuzzName, fuzzScore, true
	}
	return "", 0, false
}

// profile caches the derived forms of a name that scoring needs: the
// normalized full string, its separator-split tokens, and the Double
// Metaphone codes of those tokens.
type profile struct {
	full   string
	tokens []string
	codes  map[string]struct{}
}

func profileOf(name string) profile {
	full := strings.ToLower(strings.TrimSpace(name))
	tokens := tokenize(full)
	return profile{full: full, tokens: tokens, codes: metaphoneSet(tokens)}
}

// tokenize splits an identifier into comparable word tokens. Snake_case,
// kebab-case, dotted and spaced names all tokenize the same way.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
}

// metaphoneSet returns the union of all Double Metaphone codes for the given
// tokens. Empty codes (produced when a token is too short or contains no
// consonants) are excluded.
func metaphoneSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, 2*len(tokens))
	for _, tok := range tokens {
		primary, alternate := matchr.DoubleMetaphone(tok)
		for _, code := range [2]string{primary, alternate} {
			if code != "" {
				set[code] = struct{}{}
			}
		}
	}
	return set
}

// sharesCode reports whether the two code sets have a code in common.
func sharesCode(a, b map[string]struct{}) bool {
	small, large := a, b
	if len(large) < len(small) {
		small, large = large, small
	}
	for code := range small {
		if _, ok := large[code]; ok {
			return true
		}
	}
	return false
}

// similarity computes the highest Jaro-Winkler score between two profiles
// over three comparisons:
//
//  1. The full strings ("writememory" vs "write_memory" as given).
//  2. The tokens joined without separators, which catches
//     camelCase-vs-snake_case renamings.
//  3. Every token pair, useful when the caller remembered only one
//     distinctive word of a multi-word name.
func similarity(a, b profile) float64 {
	var best float64
	consider := func(x, y string) {
		if s := matchr.JaroWinkler(x, y, false); s > best {
			best = s
		}
	}

	consider(a.full, b.full)
	if len(a.tokens) > 1 || len(b.tokens) > 1 {
		consider(strings.Join(a.tokens, ""), strings.Join(b.tokens, ""))
	}
	for _, at := range a.tokens {
		for _, bt := range b.tokens {
			consider(at, bt)
		}
	}
	return best
}
