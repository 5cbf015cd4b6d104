package convo

import (
	"math"
	"strings"
	"unicode/utf8"
)

// TokenEstimator approximates the model-token cost of a piece of text.
// Estimates are not exact; savings computed from them can be negative.
type TokenEstimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a function to TokenEstimator.
type EstimatorFunc func(text string) int

// Estimate implements TokenEstimator.
func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// CharEstimator charges one token per four characters (runes).
var CharEstimator TokenEstimator = EstimatorFunc(func(text string) int {
	return utf8.RuneCountInString(text) / 4
})

// WordEstimator charges 1.3 tokens per whitespace-separated word, rounded up.
var WordEstimator TokenEstimator = EstimatorFunc(func(text string) int {
	words := strings.Fields(text)
	return int(math.Ceil(float64(len(words)) * 1.3))
})

// EstimateTurns sums the estimator over the messages of turns.
func EstimateTurns(est TokenEstimator, turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += est.Estimate(t.Message)
	}
	return total
}
