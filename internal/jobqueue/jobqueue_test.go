package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/model"
)

func TestPolicyFor_MatchesSpecRetryCounts(t *testing.T) {
	cases := map[JobType]int{
		QueueRaceCompletion:    3,
		QueueLeaderboardUpdate: 3,
		QueueAchievementCheck:  2,
	}
	for jobType, wantAttempts := range cases {
		if got := policyFor(jobType).MaxAttempts; got != wantAttempts {
			t.Errorf("%s: expected %d max attempts, got %d", jobType, wantAttempts, got)
		}
	}
	if policyFor(QueueAchievementCheck).Multiplier != 1.0 {
		t.Error("expected achievement-check retries to use a fixed (multiplier 1.0) delay")
	}
	if policyFor(QueueRaceCompletion).InitialDelay != time.Second {
		t.Error("expected race-completion initial delay of 1s")
	}
	if policyFor(QueueLeaderboardUpdate).InitialDelay != 500*time.Millisecond {
		t.Error("expected leaderboard-update initial delay of 0.5s")
	}
	if policyFor(QueueAchievementCheck).InitialDelay != 2*time.Second {
		t.Error("expected achievement-check delay of 2s")
	}
}

func TestSync_SubmitRunsHandlerImmediately(t *testing.T) {
	s := NewSync(logging.New("test", "error", "text"))
	called := false
	s.Register(QueueLeaderboardUpdate, func(ctx context.Context, payload []byte) error {
		called = true
		return nil
	})

	if err := s.Submit(context.Background(), QueueLeaderboardUpdate, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !called {
		t.Error("expected handler to run synchronously")
	}
}

func TestSync_SubmitRetriesOnFailure(t *testing.T) {
	s := NewSync(logging.New("test", "error", "text"))
	attempts := 0
	s.Register(QueueAchievementCheck, func(ctx context.Context, payload []byte) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err := s.Submit(context.Background(), QueueAchievementCheck, map[string]string{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestSync_SubmitWithoutHandlerFails(t *testing.T) {
	s := NewSync(logging.New("test", "error", "text"))
	if err := s.Submit(context.Background(), QueueRaceCompletion, model.RaceCompletion{}); err == nil {
		t.Fatal("expected error for unregistered job type")
	}
}

type failingQueue struct{}

func (failingQueue) Register(jobType JobType, h Handler) {}
func (failingQueue) Submit(ctx context.Context, jobType JobType, payload interface{}) error {
	return errors.New("distributed queue down")
}

func TestFallback_FallsBackToSyncOnPrimaryFailure(t *testing.T) {
	f := NewFallback(failingQueue{}, logging.New("test", "error", "text"))
	called := false
	f.Register(QueueRaceCompletion, func(ctx context.Context, payload []byte) error {
		called = true
		return nil
	})

	if err := f.Submit(context.Background(), QueueRaceCompletion, model.RaceCompletion{RaceID: "r1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !called {
		t.Error("expected fallback to invoke the synchronous handler")
	}
}

type recordingQueue struct {
	submitted []JobType
}

func (r *recordingQueue) Register(jobType JobType, h Handler) {}
func (r *recordingQueue) Submit(ctx context.Context, jobType JobType, payload interface{}) error {
	r.submitted = append(r.submitted, jobType)
	return nil
}

func TestCompletionSubmitter_SubmitsOnRaceCompletionQueue(t *testing.T) {
	q := &recordingQueue{}
	submitter := CompletionSubmitter{Queue: q}

	if err := submitter.SubmitRaceCompletion(context.Background(), model.RaceCompletion{RaceID: "r1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(q.submitted) != 1 || q.submitted[0] != QueueRaceCompletion {
		t.Errorf("expected one race-completion submission, got %+v", q.submitted)
	}
}
