package race

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/typemaster/leaderboard/internal/botretry"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/model"

	"github.com/sirupsen/logrus"
)

// botTier is a synthetic skill profile a bot participant is assigned on
// creation; its WPM/accuracy curve is sampled around the tier's center.
type botTier struct {
	name         string
	wpmMean      float64
	wpmJitter    float64
	accuracyMean float64
}

var botTiers = []botTier{
	{name: "casual", wpmMean: 35, wpmJitter: 8, accuracyMean: 92},
	{name: "average", wpmMean: 55, wpmJitter: 10, accuracyMean: 95},
	{name: "sharp", wpmMean: 80, wpmJitter: 12, accuracyMean: 97},
}

const (
	botProgressTick = 300 * time.Millisecond
	botCountdown    = 3 * time.Second
)

// BotManager creates AI-controlled filler participants for under-subscribed
// waiting rooms, per SPEC_FULL.md §9's supplemented bot-participant
// feature. Bot creation uses botretry's classifier + jittered backoff
// (spec §2 item 12) since AddBot can hit the same transient storage
// failures a human join would.
type BotManager struct {
	coordinator *Coordinator
	backoff     botretry.Backoff
	log         *logrus.Entry
}

// NewBotManager creates a BotManager over coordinator.
func NewBotManager(coordinator *Coordinator, logger *logging.Logger) *BotManager {
	return &BotManager{
		coordinator: coordinator,
		backoff:     botretry.NewBackoff(botretry.DefaultBackoff()),
		log:         logger.WithFields(map[string]interface{}{"component": "race.BotManager"}),
	}
}

// EnsureFilled tops a waiting race up to minParticipants with bots, if it
// has fewer than that many participants and hasn't started yet. Each added
// bot is immediately set driving its synthetic progress curve so the race
// can complete even if no more humans join.
func (bm *BotManager) EnsureFilled(ctx context.Context, raceID string, minParticipants int) error {
	race, found, err := bm.coordinator.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	if !found || race.Status != model.RaceWaiting {
		return nil
	}

	existing, err := bm.coordinator.ListParticipants(ctx, raceID)
	if err != nil {
		return err
	}
	needed := minParticipants - len(existing)
	for i := 0; i < needed; i++ {
		tier := botTiers[rand.Intn(len(botTiers))]
		bot := model.Participant{
			GuestID:  fmt.Sprintf("bot:%s", generateID()),
			Username: botUsername(tier),
		}

		var created model.Participant
		err := bm.backoff.Run(ctx, func() error {
			var addErr error
			created, addErr = bm.coordinator.AddBot(ctx, raceID, bot)
			return addErr
		})
		if err != nil {
			bm.log.WithError(err).Warn("bot creation failed after retries")
			continue
		}
		go bm.drive(ctx, raceID, created, tier)
	}
	return nil
}

// drive simulates one bot's typing progress: a short countdown, then
// progress advancing toward 1.0 at a rate sampled from the bot's tier,
// submitted through the same UpdateProgress path a human client's
// websocket messages would use.
func (bm *BotManager) drive(ctx context.Context, raceID string, bot model.Participant, tier botTier) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(botCountdown):
	}

	wpm := tier.wpmMean + (rand.Float64()*2-1)*tier.wpmJitter
	if wpm <= 0 {
		wpm = 1
	}
	accuracy := tier.accuracyMean

	ticker := time.NewTicker(botProgressTick)
	defer ticker.Stop()

	progress := 0.0
	// Words typed per tick, derived from WPM over the tick interval, as a
	// fraction of a typical 60-word passage.
	const assumedWordCount = 60
	increment := (wpm / 60.0) * botProgressTick.Seconds() / assumedWordCount

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress += increment
			if progress >= 1.0 {
				progress = 1.0
			}
			if err := bm.coordinator.UpdateProgress(ctx, raceID, bot.ID, progress, wpm, accuracy, 0); err != nil {
				bm.log.WithError(err).Debug("bot progress update failed")
				return
			}
			if progress >= 1.0 {
				return
			}
		}
	}
}

func botUsername(tier botTier) string {
	return fmt.Sprintf("Bot-%s-%04d", tier.name, rand.Intn(10000))
}
