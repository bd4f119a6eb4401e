package search

import (
	"regexp"
	"strings"
)

// Strategy selects the retrieval path.
type Strategy string

// Strategies.
const (
	// StrategyDense searches a single dense field.
	StrategyDense Strategy = "dense"
	// StrategySparse searches the sparse field.
	StrategySparse Strategy = "sparse"
	// StrategyHybrid fuses dense and sparse prefetches with RRF.
	StrategyHybrid Strategy = "hybrid"
)

// Dense weights by verdict. Alpha is the dense share of hybrid fusion;
// pure strategies carry it for callers that downgrade to hybrid.
const (
	alphaSparse  = 0.3
	alphaDense   = 0.7
	alphaDefault = 0.5
)

// A question needs this many words before the dense path wins over
// hybrid; shorter questions keep lexical recall.
const questionMinWords = 6

// Classification is the classifier verdict: the strategy to fetch with
// and the dense weight to fuse with.
type Classification struct {
	Strategy Strategy
	Alpha    float64
}

var (
	versionPattern = regexp.MustCompile(`\bv?\d+\.\d+(\.\d+)*\b`)
	// Identifier-shaped tokens: camelCase, snake_case, or letter-led
	// dotted paths.
	entityPattern = regexp.MustCompile(`[a-z0-9]+[A-Z][A-Za-z0-9]*|[A-Za-z][A-Za-z0-9]*_[A-Za-z0-9]+|[A-Za-z][A-Za-z0-9]*\.[A-Za-z][A-Za-z0-9]*`)
)

var questionWords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"which": true, "who": true, "does": true, "can": true, "is": true,
	"are": true, "should": true, "explain": true, "describe": true,
}

// Classify picks the retrieval strategy from surface features of the
// query. Exact-match signals (quoted literals, version markers) choose
// sparse; an entity together with a version marker also prefers sparse.
// Conversational questions with enough words go dense; short bare
// identifiers go sparse; everything else fuses both.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)

	quoted := hasQuotedLiteral(trimmed)
	version := versionPattern.MatchString(trimmed)
	entity := entityPattern.MatchString(trimmed)

	switch {
	case quoted || version:
		// Covers the entity-plus-version case too: exact markers win.
		return Classification{Strategy: StrategySparse, Alpha: alphaSparse}
	case isQuestion(words) && len(words) >= questionMinWords:
		return Classification{Strategy: StrategyDense, Alpha: alphaDense}
	case entity && len(words) <= 3:
		return Classification{Strategy: StrategySparse, Alpha: alphaSparse}
	default:
		return Classification{Strategy: StrategyHybrid, Alpha: alphaDefault}
	}
}

// defaultAlpha returns the fusion weight implied by an explicitly chosen
// strategy.
func defaultAlpha(s Strategy) float64 {
	switch s {
	case StrategyDense:
		return alphaDense
	case StrategySparse:
		return alphaSparse
	default:
		return alphaDefault
	}
}

// hasQuotedLiteral looks for paired double quotes or backticks.
// Apostrophes stay out: contractions are not exact-match intent.
func hasQuotedLiteral(text string) bool {
	for _, q := range []string{`"`, "`"} {
		first := strings.Index(text, q)
		if first >= 0 && strings.Index(text[first+1:], q) >= 0 {
			return true
		}
	}
	return false
}

func isQuestion(words []string) bool {
	if len(words) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimRight(words[0], "?,"))
	return questionWords[first] || strings.HasSuffix(words[len(words)-1], "?")
}
