package oracle

import (
	"fmt"
	"strings"

	"github.com/drover-sh/drover/pkg/models"
)

// Keyword buckets for the local sizing heuristic. A complex keyword wins
// over a simple one when both appear.
var (
	simpleKeywords  = []string{"fix", "update", "rename"}
	complexKeywords = []string{"refactor", "migrate", "architecture", "system"}
)

const (
	simpleIterations   = 2
	moderateIterations = 5
	complexIterations  = 10

	shortTaskWords   = 5
	longTaskWords    = 15
	shortTaskPenalty = 2
	longTaskBonus    = 3
)

// Heuristic sizes a task from its wording alone: keyword buckets pick the
// complexity class, word count nudges the iteration budget, and the result
// is clamped to the planning range.
func Heuristic(task string) *ComplexityResult {
	words := strings.Fields(strings.ToLower(task))

	complexity := ComplexityModerate
	iterations := moderateIterations
	reason := "no complexity keywords, assuming moderate"

	if kw, ok := matchKeyword(words, complexKeywords); ok {
		complexity = ComplexityComplex
		iterations = complexIterations
		reason = fmt.Sprintf("keyword %q suggests complex work", kw)
	} else if kw, ok := matchKeyword(words, simpleKeywords); ok {
		complexity = ComplexitySimple
		iterations = simpleIterations
		reason = fmt.Sprintf("keyword %q suggests simple work", kw)
	}

	switch {
	case len(words) < shortTaskWords:
		iterations -= shortTaskPenalty
		reason += ", short task"
	case len(words) > longTaskWords:
		iterations += longTaskBonus
		reason += ", long task"
	}

	if iterations < models.MinIterations {
		iterations = models.MinIterations
	}
	if iterations > models.MaxIterations {
		iterations = models.MaxIterations
	}

	model := models.ModelDefault
	if complexity == ComplexityComplex {
		model = models.ModelHeavy
	}

	return &ComplexityResult{
		Complexity: complexity,
		Model:      model,
		Iterations: iterations,
		Reasoning:  reason,
		Source:     SourceHeuristic,
	}
}

// matchKeyword reports the first bucket keyword that prefixes a task word,
// so "fixing" and "refactoring" still match.
func matchKeyword(words []string, keys []string) (string, bool) {
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		for _, k := range keys {
			if strings.HasPrefix(w, k) {
				return k, true
			}
		}
	}
	return "", false
}
