package jobqueue

import (
	"context"

	"github.com/typemaster/leaderboard/internal/model"
)

// CompletionSubmitter adapts a Queue to race.JobSubmitter, so
// internal/race depends only on the single method it needs rather than
// the whole Queue surface.
type CompletionSubmitter struct {
	Queue Queue
}

// SubmitRaceCompletion enqueues a RaceCompletion job, per spec §4.8: "on
// race completion, submit a RaceCompletion job to the job queue."
func (c CompletionSubmitter) SubmitRaceCompletion(ctx context.Context, completion model.RaceCompletion) error {
	return c.Queue.Submit(ctx, QueueRaceCompletion, completion)
}
