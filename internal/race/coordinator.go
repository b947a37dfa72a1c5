// Package race implements the Race Coordinator of spec §4.8: creating and
// joining multiplayer races, buffering participant progress, and emitting
// lifecycle events and completion jobs. All race state mutation goes
// through the distributed race cache's compare-and-set primitives; this
// package never read-modify-writes the shared state directly.
package race

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/pubsub"
	"github.com/typemaster/leaderboard/internal/storage"

	"github.com/sirupsen/logrus"
)

const (
	roomCodeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength      = 6
	roomCodeMaxAttempts = 10

	defaultMaxPlayers       = 10
	defaultTimeLimitSeconds = 60

	progressFlushInterval = 2 * time.Second
)

// Cache is the subset of racecache.Redis the coordinator depends on.
type Cache interface {
	CreateRace(ctx context.Context, race model.Race) error
	GetRace(ctx context.Context, raceID string) (model.Race, bool, error)
	ResolveRoomCode(ctx context.Context, code string) (string, bool, error)
	RoomCodeTaken(ctx context.Context, code string) (bool, error)
	CompareAndUpdate(ctx context.Context, raceID string, expectedVersion int64, fields map[string]string) (int64, bool, error)
	AddParticipant(ctx context.Context, raceID string, p model.Participant) (model.Participant, bool, error)
	GetParticipant(ctx context.Context, raceID, participantID string) (model.Participant, bool, error)
	UpdateParticipant(ctx context.Context, raceID string, p model.Participant) error
	ListParticipants(ctx context.Context, raceID string) ([]model.Participant, error)
	IncrementFinishCount(ctx context.Context, raceID string) (int64, error)
	KickParticipant(ctx context.Context, raceID, userKey string) error
	WasKicked(ctx context.Context, raceID, userKey string) (bool, error)
	AddToWaitingPool(ctx context.Context, mode, raceID string) error
	RemoveFromWaitingPool(ctx context.Context, mode, raceID string) error
	PickFromWaitingPool(ctx context.Context, mode string) (string, bool, error)
}

// Publisher is the subset of pubsub.Bus the coordinator depends on, for
// race lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// JobSubmitter is implemented by internal/jobqueue; the coordinator submits
// a RaceCompletion job through it without depending on the queue's own
// retry/backoff machinery.
type JobSubmitter interface {
	SubmitRaceCompletion(ctx context.Context, completion model.RaceCompletion) error
}

// JoinResult is the flow contract for joining a race, per spec §4.8:
// "{race, participant, kicked?, message?}".
type JoinResult struct {
	Race        model.Race
	Participant model.Participant
	Kicked      bool
	Message     string
}

// Coordinator implements spec §4.8's Race Coordinator.
type Coordinator struct {
	cache   Cache
	store   storage.RaceStore
	pub     Publisher
	jobs    JobSubmitter
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu      sync.Mutex
	buffers map[string]map[string]*model.ProgressBuffer // raceID -> participantID -> buffer

	flushOnce sync.Once
}

// New creates a Coordinator.
func New(cache Cache, store storage.RaceStore, pub Publisher, jobs JobSubmitter, m *metrics.Metrics, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		cache:   cache,
		store:   store,
		pub:     pub,
		jobs:    jobs,
		metrics: m,
		log:     logger.WithFields(map[string]interface{}{"component": "race.Coordinator"}),
		buffers: make(map[string]map[string]*model.ProgressBuffer),
	}
}

// RunProgressFlusher starts the periodic buffered-progress flush loop (spec
// §4.8: "progress is buffered (last values) and periodically flushed to
// storage"). It must only be started once per process.
func (c *Coordinator) RunProgressFlusher(ctx context.Context) {
	c.flushOnce.Do(func() {
		go c.flushLoop(ctx)
	})
}

func (c *Coordinator) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(progressFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushDirtyBuffers(ctx)
		}
	}
}

func (c *Coordinator) flushDirtyBuffers(ctx context.Context) {
	type pending struct {
		raceID string
		buf    *model.ProgressBuffer
	}
	var toFlush []pending

	c.mu.Lock()
	for raceID, byParticipant := range c.buffers {
		for _, buf := range byParticipant {
			if buf.Dirty && !buf.FlushInProgress {
				buf.FlushInProgress = true
				toFlush = append(toFlush, pending{raceID: raceID, buf: buf})
			}
		}
	}
	c.mu.Unlock()

	for _, p := range toFlush {
		part, found, err := c.cache.GetParticipant(ctx, p.raceID, p.buf.ParticipantID)
		if err != nil || !found {
			c.clearFlushInProgress(p.buf)
			continue
		}
		part.Progress = p.buf.Progress
		part.WPM = p.buf.WPM
		part.Accuracy = p.buf.Accuracy
		part.Errors = p.buf.Errors
		if err := c.store.UpdateParticipant(ctx, part); err != nil {
			c.log.WithError(err).Warn("flush participant progress to storage failed")
		}
		c.mu.Lock()
		p.buf.Dirty = false
		p.buf.FlushInProgress = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) clearFlushInProgress(buf *model.ProgressBuffer) {
	c.mu.Lock()
	buf.FlushInProgress = false
	c.mu.Unlock()
}

// QuickMatch joins participant into an open public race for mode, creating
// a new one if none is waiting.
func (c *Coordinator) QuickMatch(ctx context.Context, mode string, participant model.Participant) (JoinResult, error) {
	raceID, found, err := c.cache.PickFromWaitingPool(ctx, mode)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}
	if !found {
		race, createErr := c.createRace(ctx, mode, false, defaultMaxPlayers)
		if createErr != nil {
			return JoinResult{}, createErr
		}
		return c.join(ctx, race, participant)
	}
	race, found, err := c.cache.GetRace(ctx, raceID)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}
	if !found {
		// Waiting-pool entry outlived the race; fall back to a fresh one.
		c.cache.RemoveFromWaitingPool(ctx, mode, raceID)
		race, createErr := c.createRace(ctx, mode, false, defaultMaxPlayers)
		if createErr != nil {
			return JoinResult{}, createErr
		}
		return c.join(ctx, race, participant)
	}
	return c.join(ctx, race, participant)
}

// CreateRoom creates a private, room-code-joinable race.
func (c *Coordinator) CreateRoom(ctx context.Context, mode string, maxPlayers int, participant model.Participant) (JoinResult, error) {
	if maxPlayers <= 0 {
		maxPlayers = defaultMaxPlayers
	}
	race, err := c.createRace(ctx, mode, true, maxPlayers)
	if err != nil {
		return JoinResult{}, err
	}
	return c.join(ctx, race, participant)
}

// JoinByCode joins participant into the race identified by a 6-character
// room code.
func (c *Coordinator) JoinByCode(ctx context.Context, roomCode string, participant model.Participant) (JoinResult, error) {
	raceID, found, err := c.cache.ResolveRoomCode(ctx, roomCode)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}
	if !found {
		return JoinResult{}, errors.RoomNotFound(roomCode)
	}
	race, found, err := c.cache.GetRace(ctx, raceID)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}
	if !found {
		return JoinResult{}, errors.RoomNotFound(roomCode)
	}
	if race.IsPrivate && race.Status == model.RaceWaiting {
		return c.join(ctx, race, participant)
	}
	return c.join(ctx, race, participant)
}

func (c *Coordinator) createRace(ctx context.Context, mode string, isPrivate bool, maxPlayers int) (model.Race, error) {
	code, err := c.generateRoomCode(ctx)
	if err != nil {
		return model.Race{}, err
	}
	race := model.Race{
		RaceID:           generateID(),
		Status:           model.RaceWaiting,
		Mode:             mode,
		RoomCode:         code,
		IsPrivate:        isPrivate,
		MaxPlayers:       maxPlayers,
		TimeLimitSeconds: defaultTimeLimitSeconds,
		Version:          0,
	}
	if _, err := c.store.CreateRace(ctx, race); err != nil {
		return model.Race{}, errors.StoreUnavailable(err)
	}
	if err := c.cache.CreateRace(ctx, race); err != nil {
		return model.Race{}, errors.StoreUnavailable(err)
	}
	if !isPrivate {
		if err := c.cache.AddToWaitingPool(ctx, mode, race.RaceID); err != nil {
			c.log.WithError(err).Warn("add race to waiting pool failed")
		}
	}
	if c.metrics != nil {
		c.metrics.RacesActive.Inc()
	}
	c.publishEvent(ctx, race.RaceID, "race_created", map[string]interface{}{"race": race})
	return race, nil
}

// join applies the shared policy checks (capacity, status, kick history)
// and registers participant into race, returning the flow-contract result.
func (c *Coordinator) join(ctx context.Context, race model.Race, participant model.Participant) (JoinResult, error) {
	switch race.Status {
	case model.RaceRacing, model.RaceFinished:
		return JoinResult{}, errors.RoomStarted(race.RoomCode)
	case model.RaceCancelled:
		return JoinResult{}, errors.RoomNotFound(race.RoomCode)
	}

	existing, err := c.cache.ListParticipants(ctx, race.RaceID)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}
	if len(existing) >= race.MaxPlayers {
		return JoinResult{}, errors.RoomFull(race.RoomCode)
	}

	userKey := participantKey(participant)
	kicked, err := c.cache.WasKicked(ctx, race.RaceID, userKey)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}

	participant.RaceID = race.RaceID
	if participant.ID == "" {
		participant.ID = generateID()
	}
	stored, created, err := c.cache.AddParticipant(ctx, race.RaceID, participant)
	if err != nil {
		return JoinResult{}, errors.StoreUnavailable(err)
	}
	if created {
		if _, err := c.store.AddParticipant(ctx, stored); err != nil {
			c.log.WithError(err).Warn("persist participant failed")
		}
		c.publishEvent(ctx, race.RaceID, "participant_joined", map[string]interface{}{"participant": stored})
		if !race.IsPrivate && len(existing)+1 >= race.MaxPlayers {
			if err := c.cache.RemoveFromWaitingPool(ctx, race.Mode, race.RaceID); err != nil {
				c.log.WithError(err).Warn("remove filled race from waiting pool failed")
			}
		}
	}

	result := JoinResult{Race: race, Participant: stored}
	if kicked {
		result.Kicked = true
		result.Message = "you were previously removed from this race; rejoin requires host approval"
	}
	return result, nil
}

// GetRace returns a race's current state, for collaborators such as
// race.BotManager that need to inspect waiting-room occupancy.
func (c *Coordinator) GetRace(ctx context.Context, raceID string) (model.Race, bool, error) {
	return c.cache.GetRace(ctx, raceID)
}

// ListParticipants returns a race's current participants.
func (c *Coordinator) ListParticipants(ctx context.Context, raceID string) ([]model.Participant, error) {
	return c.cache.ListParticipants(ctx, raceID)
}

// AddBot joins a bot-controlled participant into raceID through the same
// join policy as a human (capacity, race-status checks), used by
// race.BotManager to fill under-subscribed waiting rooms.
func (c *Coordinator) AddBot(ctx context.Context, raceID string, bot model.Participant) (model.Participant, error) {
	race, found, err := c.cache.GetRace(ctx, raceID)
	if err != nil {
		return model.Participant{}, errors.StoreUnavailable(err)
	}
	if !found {
		return model.Participant{}, errors.NotFound("race", raceID)
	}
	result, err := c.join(ctx, race, bot)
	if err != nil {
		return model.Participant{}, err
	}
	return result.Participant, nil
}

// Kick records a kick of participant from raceID so a later rejoin attempt
// is flagged, per spec §4.8's join-flow contract. The participant's entry
// stays in the race's participant list.
func (c *Coordinator) Kick(ctx context.Context, raceID string, participant model.Participant) error {
	return c.cache.KickParticipant(ctx, raceID, participantKey(participant))
}

// UpdateProgress coalesces a participant's latest progress into the
// in-memory buffer (spec §4.8: "progress is buffered ... and periodically
// flushed"), applying it to the shared cache immediately so other clients
// in the race see live updates, while storage persistence happens on the
// next flush tick.
func (c *Coordinator) UpdateProgress(ctx context.Context, raceID, participantID string, progress, wpm, accuracy float64, errs int) error {
	if progress < 0 {
		return errors.NegativeProgress(participantID)
	}
	part, found, err := c.cache.GetParticipant(ctx, raceID, participantID)
	if err != nil {
		return errors.StoreUnavailable(err)
	}
	if !found {
		return errors.NotFound("participant", participantID)
	}
	part.Progress = progress
	part.WPM = wpm
	part.Accuracy = accuracy
	part.Errors = errs
	if err := c.cache.UpdateParticipant(ctx, raceID, part); err != nil {
		return errors.StoreUnavailable(err)
	}

	c.mu.Lock()
	byParticipant, ok := c.buffers[raceID]
	if !ok {
		byParticipant = make(map[string]*model.ProgressBuffer)
		c.buffers[raceID] = byParticipant
	}
	byParticipant[participantID] = &model.ProgressBuffer{
		ParticipantID: participantID,
		Progress:      progress,
		WPM:           wpm,
		Accuracy:      accuracy,
		Errors:        errs,
		LastUpdate:    time.Now(),
		Dirty:         true,
	}
	c.mu.Unlock()

	if progress >= 1.0 {
		return c.finishParticipant(ctx, raceID, participantID)
	}
	return nil
}

// finishParticipant assigns the next finish position and, once every
// participant has finished, completes the race.
func (c *Coordinator) finishParticipant(ctx context.Context, raceID, participantID string) error {
	part, found, err := c.cache.GetParticipant(ctx, raceID, participantID)
	if err != nil || !found || part.IsFinished {
		return err
	}
	position, err := c.cache.IncrementFinishCount(ctx, raceID)
	if err != nil {
		return errors.StoreUnavailable(err)
	}
	pos := int(position)
	part.IsFinished = true
	part.FinishPosition = &pos
	now := time.Now()
	part.FinishedAt = &now
	if err := c.cache.UpdateParticipant(ctx, raceID, part); err != nil {
		return errors.StoreUnavailable(err)
	}
	c.publishEvent(ctx, raceID, "participant_finished", map[string]interface{}{"participant": part})

	return c.completeRaceIfAllFinished(ctx, raceID)
}

func (c *Coordinator) completeRaceIfAllFinished(ctx context.Context, raceID string) error {
	participants, err := c.cache.ListParticipants(ctx, raceID)
	if err != nil {
		return errors.StoreUnavailable(err)
	}
	for _, p := range participants {
		if !p.IsFinished {
			return nil
		}
	}

	race, found, err := c.cache.GetRace(ctx, raceID)
	if err != nil || !found {
		return err
	}
	if race.Status == model.RaceFinished {
		return nil
	}

	version, ok, err := c.cache.CompareAndUpdate(ctx, raceID, race.Version, map[string]string{
		"status": string(model.RaceFinished),
	})
	if err != nil {
		return errors.StoreUnavailable(err)
	}
	if !ok {
		// Another server already advanced this race; nothing left to do.
		return nil
	}
	race.Status = model.RaceFinished
	race.Version = version

	if _, err := c.store.UpdateRace(ctx, race); err != nil {
		c.log.WithError(err).Warn("persist race completion failed")
	}

	results := make([]model.ParticipantResult, 0, len(participants))
	for _, p := range participants {
		pos := 0
		if p.FinishPosition != nil {
			pos = *p.FinishPosition
		}
		results = append(results, model.ParticipantResult{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Position:      pos,
			WPM:           p.WPM,
			Accuracy:      p.Accuracy,
		})
	}
	completion := model.RaceCompletion{RaceID: raceID, Results: results}
	if err := c.jobs.SubmitRaceCompletion(ctx, completion); err != nil {
		c.log.WithError(err).Error("submit race completion job failed")
	}
	if c.metrics != nil {
		c.metrics.RacesActive.Dec()
	}
	c.publishEvent(ctx, raceID, "race_finished", map[string]interface{}{"completion": completion})
	return nil
}

func (c *Coordinator) publishEvent(ctx context.Context, raceID, eventType string, payload map[string]interface{}) {
	payload["type"] = eventType
	if err := c.pub.Publish(ctx, pubsub.RaceEventsChannel(raceID), payload); err != nil {
		c.log.WithError(err).Warn("publish race lifecycle event failed")
	}
}

// generateRoomCode mints a 6-character A-Z0-9 code, retrying on collision.
func (c *Coordinator) generateRoomCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < roomCodeMaxAttempts; attempt++ {
		code, err := randomRoomCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		taken, err := c.cache.RoomCodeTaken(ctx, code)
		if err != nil {
			return "", errors.StoreUnavailable(err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate room code: exhausted %d attempts", roomCodeMaxAttempts)
}

func randomRoomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, roomCodeLength)
	for i, b := range buf {
		out[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(out), nil
}

func participantKey(p model.Participant) string {
	if p.UserID != "" {
		return "user:" + p.UserID
	}
	return "guest:" + p.GuestID
}

// generateID mints a race/participant identifier. Grounded on the same
// approach as the rest of the module: a random hex token, not a sequential
// counter that would leak ordering across races.
func generateID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return fmt.Sprintf("%x", buf)
}
