// Package exam computes test difficulty, grades responses, and runs the
// proficiency test cycle.
package exam

import "github.com/opencode-ai/proctor/internal/models"

// DefaultPromotionStreak is the pass run that earns a promotion to the next
// difficulty.
const DefaultPromotionStreak = 3

// strugglingRun is the failure streak at which questions flatten to a single
// layer and the passing bar drops.
const strugglingRun = 5

// ComputeDifficulty derives the difficulty of an agent's next test from its
// consecutive counters. Difficulty is recomputed every cycle, never stored as
// authoritative state, so replaying the attempt log reproduces it exactly.
// Relief for failing agents takes priority over promotion.
func ComputeDifficulty(failures, successes int, base models.Difficulty) models.Difficulty {
	return computeDifficulty(failures, successes, base, DefaultPromotionStreak)
}

func computeDifficulty(failures, successes int, base models.Difficulty, promotionStreak int) models.Difficulty {
	if promotionStreak < 1 {
		promotionStreak = DefaultPromotionStreak
	}
	if !base.Valid() {
		base = models.DifficultyBasic
	}

	switch {
	case failures >= 3:
		// The 3, 5 and 10 failure bands all force the floor; the 5+ band
		// additionally flattens layers and lowers the passing bar.
		return models.DifficultyBasic
	case failures >= 1:
		return models.DifficultyAt(base.Index() - 1)
	case successes >= promotionStreak:
		return models.DifficultyAt(base.Index() + 1)
	default:
		return base
	}
}

// ComputeLayers returns the reasoning-layer count for a test. Layering is a
// separate output dimension from difficulty; a long failure run forces a
// single layer regardless of level.
func ComputeLayers(difficulty models.Difficulty, failures int) int {
	if failures >= strugglingRun {
		return 1
	}

	switch difficulty {
	case models.DifficultyIntermediate, models.DifficultyAdvanced:
		return 2
	case models.DifficultyExpert, models.DifficultyMaster:
		return 3
	default:
		return 1
	}
}

// BaseForLevel maps a progression level to the base difficulty the counter
// rules adjust from.
func BaseForLevel(level int) models.Difficulty {
	switch {
	case level >= 40:
		return models.DifficultyMaster
	case level >= 30:
		return models.DifficultyExpert
	case level >= 20:
		return models.DifficultyAdvanced
	case level >= 10:
		return models.DifficultyIntermediate
	default:
		return models.DifficultyBasic
	}
}
