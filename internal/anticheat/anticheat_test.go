package anticheat

import (
	"testing"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
)

func baseSubmission() Submission {
	return Submission{
		WPM: 80, Accuracy: 95, DurationSeconds: 30, CharCount: 400,
		SurvivalSeconds: 30,
	}
}

func TestValidate_AcceptsOrdinarySubmission(t *testing.T) {
	v := New()
	flags, err := v.Validate(baseSubmission())
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if len(flags) != 0 {
		t.Errorf("expected no flags, got %v", flags)
	}
}

func TestValidate_RejectsWPMOverCap(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.WPM = 300
	if _, err := v.Validate(s); !leaderrors.IsServiceError(err) {
		t.Fatal("expected hard reject for WPM over 250")
	}
}

func TestValidate_RejectsAccuracyOutOfRange(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.Accuracy = 5
	if _, err := v.Validate(s); err == nil {
		t.Fatal("expected hard reject for accuracy below 10")
	}
}

func TestValidate_RejectsShortDuration(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.DurationSeconds = 2
	if _, err := v.Validate(s); err == nil {
		t.Fatal("expected hard reject for duration below 5s")
	}
}

func TestValidate_RejectsExcessiveCharRate(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.DurationSeconds = 10
	s.CharCount = 1000 // 100 chars/sec, far over the 25/sec cap
	if _, err := v.Validate(s); err == nil {
		t.Fatal("expected hard reject for excessive char rate")
	}
}

func TestValidate_StressModeAllowsHigherCharRate(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.IsStressMode = true
	s.DurationSeconds = 10
	s.SurvivalSeconds = 10
	s.CharCount = 300 // 30 chars/sec, under the 1.5x stress cap of 37.5
	if _, err := v.Validate(s); err != nil {
		t.Fatalf("expected stress-mode submission to pass, got %v", err)
	}
}

func TestValidate_RejectsNegativeStressScore(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.IsStressMode = true
	s.StressScore = -10
	if _, err := v.Validate(s); err == nil {
		t.Fatal("expected hard reject for negative stress score")
	}
}

func TestValidate_RejectsExcessiveSurvivalTime(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.DurationSeconds = 30
	s.SurvivalSeconds = 40
	if _, err := v.Validate(s); err == nil {
		t.Fatal("expected hard reject for survival time over 1.1x duration")
	}
}

func TestValidate_FlagsHighFirstAttemptWPM(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.WPM = 190
	s.IsFirstAttempt = true
	flags, err := v.Validate(s)
	if err != nil {
		t.Fatalf("expected accept with flag, got %v", err)
	}
	if !containsFlag(flags, FlagHighFirstAttemptWPM) {
		t.Errorf("expected high-first-attempt flag, got %v", flags)
	}
}

func TestValidate_FlagsSuddenImprovement(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.WPM = 150
	s.PriorSameDifficultyWPMs = []float64{90, 85, 95, 88, 92}
	flags, err := v.Validate(s)
	if err != nil {
		t.Fatalf("expected accept with flag, got %v", err)
	}
	if !containsFlag(flags, FlagSuddenImprovement) {
		t.Errorf("expected sudden-improvement flag, got %v", flags)
	}
}

func TestValidate_FlagsStressScoreOverCap(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.IsStressMode = true
	s.StressScore = 120
	s.StressScoreCap = 100
	flags, err := v.Validate(s)
	if err != nil {
		t.Fatalf("expected accept with flag, got %v", err)
	}
	if !containsFlag(flags, FlagStressScoreOverCap) {
		t.Errorf("expected stress-score-over-cap flag, got %v", flags)
	}
}

func TestValidate_FlagsPerfectAccuracyHighSpeed(t *testing.T) {
	v := New()
	s := baseSubmission()
	s.WPM = 160
	s.Accuracy = 100
	flags, err := v.Validate(s)
	if err != nil {
		t.Fatalf("expected accept with flag, got %v", err)
	}
	if !containsFlag(flags, FlagPerfectAccuracyFast) {
		t.Errorf("expected perfect-accuracy-high-speed flag, got %v", flags)
	}
}

func containsFlag(flags []Flag, target Flag) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}
