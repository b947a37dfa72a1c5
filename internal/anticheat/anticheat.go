// Package anticheat implements the score-submission validation rules of
// spec §4.10: hard rejects that block publication, and flags that are
// recorded for manual review without blocking.
package anticheat

import (
	leaderrors "github.com/typemaster/leaderboard/internal/errors"
)

// Flag names a non-blocking anti-cheat signal attached to an otherwise
// accepted submission.
type Flag string

const (
	FlagHighFirstAttemptWPM  Flag = "high_first_attempt_wpm"
	FlagSuddenImprovement    Flag = "sudden_improvement"
	FlagStressScoreOverCap   Flag = "stress_score_over_cap"
	FlagPerfectAccuracyFast  Flag = "perfect_accuracy_high_speed"
)

// Submission carries the fields the validator needs beyond the bare
// ScoreEvent: raw test telemetry used to compute cheat signals.
type Submission struct {
	WPM              float64
	Accuracy         float64
	IsStressMode     bool
	StressScore      float64
	StressScoreCap   float64
	DurationSeconds  float64
	CharCount        int
	SurvivalSeconds  float64
	IsFirstAttempt   bool
	PriorSameDifficultyWPMs []float64 // most recent, up to 5
}

// Validator applies the spec §4.10 rules.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate returns a policy error for any hard-reject condition, or the
// set of non-blocking flags raised for manual review.
func (v *Validator) Validate(s Submission) ([]Flag, error) {
	if err := v.checkHardRejects(s); err != nil {
		return nil, err
	}
	return v.checkFlags(s), nil
}

func (v *Validator) checkHardRejects(s Submission) error {
	if s.WPM > 250 {
		return leaderrors.AntiCheatReject("wpm exceeds hard cap of 250")
	}
	if s.Accuracy < 10 || s.Accuracy > 100 {
		return leaderrors.AntiCheatReject("accuracy outside [10,100]")
	}
	if s.IsStressMode && s.StressScore < 0 {
		return leaderrors.AntiCheatReject("negative stress score")
	}
	if s.DurationSeconds < 5 {
		return leaderrors.AntiCheatReject("duration below 5s minimum")
	}

	if s.DurationSeconds > 0 {
		charsPerSec := float64(s.CharCount) / s.DurationSeconds
		rateLimit := 25.0
		if s.IsStressMode {
			rateLimit *= 1.5
		}
		if charsPerSec > rateLimit {
			return leaderrors.AntiCheatReject("implied correct-char rate exceeds cap")
		}
	}

	if s.SurvivalSeconds > 1.1*s.DurationSeconds {
		return leaderrors.AntiCheatReject("survival time exceeds 1.1x duration")
	}

	return nil
}

func (v *Validator) checkFlags(s Submission) []Flag {
	var flags []Flag

	if s.IsFirstAttempt && s.WPM > 180 {
		flags = append(flags, FlagHighFirstAttemptWPM)
	}

	if len(s.PriorSameDifficultyWPMs) > 0 {
		best := s.PriorSameDifficultyWPMs[0]
		for _, w := range s.PriorSameDifficultyWPMs {
			if w > best {
				best = w
			}
		}
		if s.WPM-best > 50 {
			flags = append(flags, FlagSuddenImprovement)
		}
	}

	if s.IsStressMode && s.StressScoreCap > 0 && s.StressScore > s.StressScoreCap {
		flags = append(flags, FlagStressScoreOverCap)
	}

	if s.Accuracy >= 100 && s.WPM > 150 {
		flags = append(flags, FlagPerfectAccuracyFast)
	}

	return flags
}
