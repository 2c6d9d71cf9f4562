package exam

import (
	"testing"

	"github.com/opencode-ai/proctor/internal/models"
)

func TestComputeDifficultyRules(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		successes int
		base      models.Difficulty
		want      models.Difficulty
	}{
		{"ten failures force floor", 10, 0, models.DifficultyMaster, models.DifficultyBasic},
		{"seven failures force floor", 7, 0, models.DifficultyExpert, models.DifficultyBasic},
		{"four failures force floor", 4, 0, models.DifficultyMaster, models.DifficultyBasic},
		{"three failures force floor", 3, 0, models.DifficultyIntermediate, models.DifficultyBasic},
		{"two failures demote one level", 2, 0, models.DifficultyAdvanced, models.DifficultyIntermediate},
		{"one failure demote one level", 1, 0, models.DifficultyIntermediate, models.DifficultyBasic},
		{"demotion floors at basic", 1, 0, models.DifficultyBasic, models.DifficultyBasic},
		{"streak promotes one level", 0, 3, models.DifficultyBasic, models.DifficultyIntermediate},
		{"longer streak still one level", 0, 9, models.DifficultyAdvanced, models.DifficultyExpert},
		{"promotion caps at master", 0, 5, models.DifficultyMaster, models.DifficultyMaster},
		{"short streak holds base", 0, 2, models.DifficultyAdvanced, models.DifficultyAdvanced},
		{"clean slate holds base", 0, 0, models.DifficultyExpert, models.DifficultyExpert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDifficulty(tt.failures, tt.successes, tt.base)
			if got != tt.want {
				t.Errorf("ComputeDifficulty(%d, %d, %s) = %s, expected %s",
					tt.failures, tt.successes, tt.base, got, tt.want)
			}
		})
	}
}

func TestComputeDifficultyIsPure(t *testing.T) {
	for i := 0; i < 10; i++ {
		first := ComputeDifficulty(2, 0, models.DifficultyExpert)
		second := ComputeDifficulty(2, 0, models.DifficultyExpert)
		if first != second {
			t.Fatalf("identical inputs produced %s then %s", first, second)
		}
	}
}

func TestComputeLayers(t *testing.T) {
	tests := []struct {
		difficulty models.Difficulty
		failures   int
		want       int
	}{
		{models.DifficultyBasic, 0, 1},
		{models.DifficultyIntermediate, 0, 2},
		{models.DifficultyAdvanced, 0, 2},
		{models.DifficultyExpert, 0, 3},
		{models.DifficultyMaster, 0, 3},
		{models.DifficultyMaster, 5, 1},
		{models.DifficultyExpert, 7, 1},
		{models.DifficultyIntermediate, 4, 2},
	}

	for _, tt := range tests {
		if got := ComputeLayers(tt.difficulty, tt.failures); got != tt.want {
			t.Errorf("ComputeLayers(%s, %d) = %d, expected %d",
				tt.difficulty, tt.failures, got, tt.want)
		}
	}
}

func TestBaseForLevel(t *testing.T) {
	tests := []struct {
		level int
		want  models.Difficulty
	}{
		{1, models.DifficultyBasic},
		{9, models.DifficultyBasic},
		{10, models.DifficultyIntermediate},
		{19, models.DifficultyIntermediate},
		{20, models.DifficultyAdvanced},
		{29, models.DifficultyAdvanced},
		{30, models.DifficultyExpert},
		{39, models.DifficultyExpert},
		{40, models.DifficultyMaster},
		{72, models.DifficultyMaster},
	}

	for _, tt := range tests {
		if got := BaseForLevel(tt.level); got != tt.want {
			t.Errorf("BaseForLevel(%d) = %s, expected %s", tt.level, got, tt.want)
		}
	}
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		difficulty models.Difficulty
		failures   int
		want       int
	}{
		{models.DifficultyBasic, 0, 70},
		{models.DifficultyIntermediate, 0, 75},
		{models.DifficultyAdvanced, 0, 80},
		{models.DifficultyExpert, 0, 85},
		{models.DifficultyMaster, 0, 90},
		{models.DifficultyBasic, 5, 50},
		{models.DifficultyIntermediate, 6, 55},
		{models.DifficultyMaster, 9, 70},
		{models.DifficultyBasic, 4, 70},
	}

	for _, tt := range tests {
		if got := Threshold(tt.difficulty, tt.failures); got != tt.want {
			t.Errorf("Threshold(%s, %d) = %d, expected %d",
				tt.difficulty, tt.failures, got, tt.want)
		}
	}
}

func TestStrugglingAgentGetsRelief(t *testing.T) {
	failures := 7

	difficulty := ComputeDifficulty(failures, 0, models.DifficultyAdvanced)
	if difficulty != models.DifficultyBasic {
		t.Errorf("expected basic difficulty, got %s", difficulty)
	}
	if layers := ComputeLayers(difficulty, failures); layers != 1 {
		t.Errorf("expected single layer, got %d", layers)
	}
	if threshold := Threshold(difficulty, failures); threshold != 50 {
		t.Errorf("expected threshold 50, got %d", threshold)
	}
}
