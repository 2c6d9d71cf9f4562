package exam

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/provider"
	"github.com/opencode-ai/proctor/internal/router"
)

// graderMaxTokens bounds the grading reply; a score is a single integer.
const graderMaxTokens = 128

const graderSystem = "You are a strict examiner. Grade the candidate's answer to the question " +
	"on a scale of 0 to 100, where 0 is no answer and 100 is flawless. " +
	"Reply with the integer score only."

// Threshold returns the minimum passing score for a test. Agents on a long
// failure run get a reduced bar so they cannot lock themselves out.
func Threshold(difficulty models.Difficulty, failures int) int {
	base := baseThreshold(difficulty)
	if failures >= strugglingRun {
		if reduced := base - 20; reduced > 50 {
			return reduced
		}
		return 50
	}
	return base
}

func baseThreshold(difficulty models.Difficulty) int {
	switch difficulty {
	case models.DifficultyIntermediate:
		return 75
	case models.DifficultyAdvanced:
		return 80
	case models.DifficultyExpert:
		return 85
	case models.DifficultyMaster:
		return 90
	default:
		return 70
	}
}

// Scorer grades exam responses. The primary path asks a provider to grade;
// when no provider can serve, the deterministic heuristics produce the score
// instead so a test cycle always completes.
type Scorer struct {
	router *router.Router
	logger zerolog.Logger
}

// NewScorer creates a scorer grading through the given router.
func NewScorer(r *router.Router) *Scorer {
	return &Scorer{
		router: r,
		logger: logging.Component("scorer"),
	}
}

// Score grades a response against its question and reports whether it met
// the threshold for the difficulty. The fallback flag marks scores produced
// by the deterministic path and is recorded on the attempt, never hidden.
func (s *Scorer) Score(ctx context.Context, question, response string, difficulty models.Difficulty, failures int) (score int, passed, fallback bool, err error) {
	threshold := Threshold(difficulty, failures)

	result, err := s.router.SelectAndInvoke(ctx, &router.Invocation{
		Request: &provider.Request{
			System:    graderSystem,
			Prompt:    graderPrompt(question, response),
			MaxTokens: graderMaxTokens,
		},
		Kind: models.UsageKindEvaluation,
	})
	if err != nil {
		if errors.Is(err, router.ErrAllProvidersExhausted) || errors.Is(err, context.DeadlineExceeded) {
			score = FallbackScore(question, response)
			s.logger.Warn().
				Err(err).
				Int("score", score).
				Msg("provider grading unavailable, using deterministic scorer")
			return score, score >= threshold, true, nil
		}
		return 0, false, false, fmt.Errorf("grading invocation failed: %w", err)
	}

	score = ExtractScore(result.Text)
	return score, score >= threshold, false, nil
}

var scorePattern = regexp.MustCompile(`\d+`)

// ExtractScore pulls the first integer out of a grading reply, clamped to
// [0, 100]. A reply with no parseable number scores 50: an ambiguous grade
// should not read as a zero.
func ExtractScore(reply string) int {
	match := scorePattern.FindString(reply)
	if match == "" {
		return 50
	}

	value, err := strconv.Atoi(match)
	if err != nil || value > 100 {
		return 100
	}
	return value
}

func graderPrompt(question, response string) string {
	return fmt.Sprintf("Question:\n%s\n\nCandidate answer:\n%s\n\nScore (0-100):", question, response)
}

var listPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)

// FallbackScore grades a response without a provider. The heuristics reward
// length, structure, code fragments and keyword overlap with the question,
// so an honest effort lands mid-scale instead of at zero while an empty
// response still scores nothing.
func FallbackScore(question, response string) int {
	text := strings.TrimSpace(response)
	if text == "" {
		return 0
	}

	score := 20

	length := len([]rune(text))
	if length >= 100 {
		score += 15
	}
	if length >= 400 {
		score += 10
	}

	if strings.Count(text, "\n") >= 3 {
		score += 10
	}
	if strings.Contains(text, "- ") || listPattern.MatchString(text) {
		score += 5
	}

	if strings.Contains(text, "```") || strings.Contains(text, "func ") || strings.Contains(text, "return ") {
		score += 10
	}

	score += int(keywordOverlap(question, text) * 30)

	if score > 100 {
		score = 100
	}
	return score
}

// keywordOverlap reports the fraction of the question's significant words
// that the response mentions at least once.
func keywordOverlap(question, response string) float64 {
	keywords := make(map[string]struct{})
	for _, word := range splitWords(question) {
		if len(word) >= 5 {
			keywords[word] = struct{}{}
		}
	}
	if len(keywords) == 0 {
		return 0
	}

	matched := make(map[string]struct{})
	for _, word := range splitWords(response) {
		if _, ok := keywords[word]; ok {
			matched[word] = struct{}{}
		}
	}

	return float64(len(matched)) / float64(len(keywords))
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
