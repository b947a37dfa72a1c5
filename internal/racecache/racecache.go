// Package racecache holds the distributed race state of spec §4.8: all
// mutations to a Race's fields and its participant list go through this
// package's scripted compare-and-set operations, never a read-modify-write
// from the application layer.
package racecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/model"
)

const defaultTTL = 2 * time.Hour

func raceKey(raceID string) string         { return fmt.Sprintf("race:%s", raceID) }
func participantsKey(raceID string) string { return fmt.Sprintf("race:%s:participants", raceID) }
func roomCodeKey(code string) string       { return fmt.Sprintf("race:roomcode:%s", code) }
func kickedKey(raceID string) string       { return fmt.Sprintf("race:%s:kicked", raceID) }
func waitingPoolKey(mode string) string    { return fmt.Sprintf("race:waiting:%s", mode) }

// casUpdateScript implements spec §4.8's "atomic increment race version and
// update field": it only applies the field writes if the caller's expected
// version matches the stored one (or expectedVersion is -1, meaning
// unconditional), bumping version together with them, all in one round
// trip; on a version mismatch nothing is written. This is
// the compare-and-set primitive every race mutation funnels through.
var casUpdateScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if current == false then current = 0 else current = tonumber(current) end

if expected >= 0 and current ~= expected then
	return {0, current}
end

local nextVersion = current + 1
redis.call('HSET', key, 'version', nextVersion)
for i = 3, #ARGV, 2 do
	redis.call('HSET', key, ARGV[i], ARGV[i+1])
end
redis.call('EXPIRE', key, ttl)
return {1, nextVersion}
`)

// addParticipantScript tolerates EEXIST per spec §4.8: "duplicate-participant
// prevention is enforced by the storage contract; the coordinator tolerates
// EEXIST by returning the existing row." HSETNX on the participant's own
// field returns 0 if the field already existed, letting the caller detect a
// no-op add and return the existing row instead of erroring.
var addParticipantScript = redis.NewScript(`
local key = KEYS[1]
local participantId = ARGV[1]
local payload = ARGV[2]
local ttl = tonumber(ARGV[3])

local created = redis.call('HSETNX', key, participantId, payload)
redis.call('EXPIRE', key, ttl)
return created
`)

// Redis is the Redis-backed race cache.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis race cache.
func New(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: defaultTTL}
}

// CreateRace writes a new race's initial state, keyed by its own raceId.
func (r *Redis) CreateRace(ctx context.Context, race model.Race) error {
	fields := raceFields(race)
	if err := r.client.HSet(ctx, raceKey(race.RaceID), fields).Err(); err != nil {
		return fmt.Errorf("create race: %w", err)
	}
	if race.RoomCode != "" {
		if err := r.client.Set(ctx, roomCodeKey(race.RoomCode), race.RaceID, r.ttl).Err(); err != nil {
			return fmt.Errorf("index room code: %w", err)
		}
	}
	return r.client.Expire(ctx, raceKey(race.RaceID), r.ttl).Err()
}

// GetRace reads a race's current state.
func (r *Redis) GetRace(ctx context.Context, raceID string) (model.Race, bool, error) {
	fields, err := r.client.HGetAll(ctx, raceKey(raceID)).Result()
	if err != nil {
		return model.Race{}, false, fmt.Errorf("get race %s: %w", raceID, err)
	}
	if len(fields) == 0 {
		return model.Race{}, false, nil
	}
	return parseRaceFields(raceID, fields), true, nil
}

// ResolveRoomCode returns the raceId for a room code, if one exists.
func (r *Redis) ResolveRoomCode(ctx context.Context, code string) (string, bool, error) {
	raceID, err := r.client.Get(ctx, roomCodeKey(code)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve room code %s: %w", code, err)
	}
	return raceID, true, nil
}

// RoomCodeTaken reports whether code already maps to a race, used by the
// coordinator's collision-retry loop when minting new codes.
func (r *Redis) RoomCodeTaken(ctx context.Context, code string) (bool, error) {
	n, err := r.client.Exists(ctx, roomCodeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("check room code %s: %w", code, err)
	}
	return n > 0, nil
}

// CompareAndUpdate applies fields to the race atomically, bumping its
// version, only if the race's current version equals expectedVersion (or
// expectedVersion < 0 for an unconditional update). It returns the race's
// version after the call and whether the compare succeeded.
func (r *Redis) CompareAndUpdate(ctx context.Context, raceID string, expectedVersion int64, fields map[string]string) (int64, bool, error) {
	args := make([]interface{}, 0, 2+len(fields)*2)
	args = append(args, expectedVersion, int(r.ttl.Seconds()))
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := casUpdateScript.Run(ctx, r.client, []string{raceKey(raceID)}, args...).Result()
	if err != nil {
		return 0, false, fmt.Errorf("cas update race %s: %w", raceID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, false, fmt.Errorf("cas update race %s: unexpected script result", raceID)
	}
	ok1, _ := arr[0].(int64)
	version, _ := arr[1].(int64)
	return version, ok1 == 1, nil
}

// AddParticipant inserts a participant if absent. If the participant already
// exists (EEXIST per spec §4.8), it returns the existing stored row and
// created=false so the coordinator can return it rather than erroring.
func (r *Redis) AddParticipant(ctx context.Context, raceID string, p model.Participant) (model.Participant, bool, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return model.Participant{}, false, fmt.Errorf("marshal participant: %w", err)
	}
	created, err := addParticipantScript.Run(ctx, r.client, []string{participantsKey(raceID)}, p.ID, raw, int(r.ttl.Seconds())).Int()
	if err != nil {
		return model.Participant{}, false, fmt.Errorf("add participant %s: %w", p.ID, err)
	}
	if created == 1 {
		return p, true, nil
	}
	existing, _, getErr := r.GetParticipant(ctx, raceID, p.ID)
	if getErr != nil {
		return model.Participant{}, false, getErr
	}
	return existing, false, nil
}

// GetParticipant reads one participant's stored state.
func (r *Redis) GetParticipant(ctx context.Context, raceID, participantID string) (model.Participant, bool, error) {
	raw, err := r.client.HGet(ctx, participantsKey(raceID), participantID).Result()
	if err == redis.Nil {
		return model.Participant{}, false, nil
	}
	if err != nil {
		return model.Participant{}, false, fmt.Errorf("get participant %s: %w", participantID, err)
	}
	var p model.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.Participant{}, false, fmt.Errorf("unmarshal participant %s: %w", participantID, err)
	}
	return p, true, nil
}

// UpdateParticipant overwrites one participant's stored state, used by the
// coordinator's live progress and finish updates (the periodic buffered-
// progress flush writes to storage, not here). It does not go through the
// CAS script — participant rows are not versioned the way the race's own
// fields are.
func (r *Redis) UpdateParticipant(ctx context.Context, raceID string, p model.Participant) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	if err := r.client.HSet(ctx, participantsKey(raceID), p.ID, raw).Err(); err != nil {
		return fmt.Errorf("update participant %s: %w", p.ID, err)
	}
	return r.client.Expire(ctx, participantsKey(raceID), r.ttl).Err()
}

// ListParticipants returns every participant currently registered for raceID.
func (r *Redis) ListParticipants(ctx context.Context, raceID string) ([]model.Participant, error) {
	raw, err := r.client.HGetAll(ctx, participantsKey(raceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants for %s: %w", raceID, err)
	}
	out := make([]model.Participant, 0, len(raw))
	for _, v := range raw {
		var p model.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func raceFields(race model.Race) map[string]interface{} {
	fields := map[string]interface{}{
		"status":           string(race.Status),
		"mode":             race.Mode,
		"roomCode":         race.RoomCode,
		"isPrivate":        boolStr(race.IsPrivate),
		"maxPlayers":       race.MaxPlayers,
		"textSource":       race.TextSource,
		"timeLimitSeconds": race.TimeLimitSeconds,
		"version":          race.Version,
	}
	if race.StartedAt != nil {
		fields["startedAt"] = race.StartedAt.Format(time.RFC3339Nano)
	}
	if race.FinishedAt != nil {
		fields["finishedAt"] = race.FinishedAt.Format(time.RFC3339Nano)
	}
	return fields
}

func parseRaceFields(raceID string, fields map[string]string) model.Race {
	race := model.Race{
		RaceID:     raceID,
		Status:     model.RaceStatus(fields["status"]),
		Mode:       fields["mode"],
		RoomCode:   fields["roomCode"],
		IsPrivate:  fields["isPrivate"] == "true",
		TextSource: fields["textSource"],
	}
	fmt.Sscanf(fields["maxPlayers"], "%d", &race.MaxPlayers)
	fmt.Sscanf(fields["timeLimitSeconds"], "%d", &race.TimeLimitSeconds)
	fmt.Sscanf(fields["version"], "%d", &race.Version)
	if v := fields["startedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			race.StartedAt = &t
		}
	}
	if v := fields["finishedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			race.FinishedAt = &t
		}
	}
	return race
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// IncrementFinishCount atomically assigns the next finish position within
// raceID, via Redis's own atomic `HINCRBY` rather than the generic CAS
// script — a plain counter increment needs no compare step.
func (r *Redis) IncrementFinishCount(ctx context.Context, raceID string) (int64, error) {
	n, err := r.client.HIncrBy(ctx, raceKey(raceID), "finishedCount", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment finish count for %s: %w", raceID, err)
	}
	return n, nil
}

// KickParticipant records that userKey ("user:"+userId or "guest:"+guestId)
// was kicked from raceID, so a later rejoin attempt can be flagged per spec
// §4.8's join-flow contract (`kicked=true`).
func (r *Redis) KickParticipant(ctx context.Context, raceID, userKey string) error {
	if err := r.client.SAdd(ctx, kickedKey(raceID), userKey).Err(); err != nil {
		return fmt.Errorf("kick participant %s from %s: %w", userKey, raceID, err)
	}
	return r.client.Expire(ctx, kickedKey(raceID), r.ttl).Err()
}

// WasKicked reports whether userKey was previously kicked from raceID.
func (r *Redis) WasKicked(ctx context.Context, raceID, userKey string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, kickedKey(raceID), userKey).Result()
	if err != nil {
		return false, fmt.Errorf("check kicked %s from %s: %w", userKey, raceID, err)
	}
	return ok, nil
}

// AddToWaitingPool marks raceID as an open, joinable public race for mode,
// consulted by quick-match.
func (r *Redis) AddToWaitingPool(ctx context.Context, mode, raceID string) error {
	if err := r.client.SAdd(ctx, waitingPoolKey(mode), raceID).Err(); err != nil {
		return fmt.Errorf("add %s to waiting pool: %w", raceID, err)
	}
	return r.client.Expire(ctx, waitingPoolKey(mode), r.ttl).Err()
}

// RemoveFromWaitingPool takes raceID out of quick-match consideration, once
// it fills or leaves the waiting status.
func (r *Redis) RemoveFromWaitingPool(ctx context.Context, mode, raceID string) error {
	if err := r.client.SRem(ctx, waitingPoolKey(mode), raceID).Err(); err != nil {
		return fmt.Errorf("remove %s from waiting pool: %w", raceID, err)
	}
	return nil
}

// PickFromWaitingPool returns an arbitrary open race for mode, if any.
func (r *Redis) PickFromWaitingPool(ctx context.Context, mode string) (string, bool, error) {
	raceID, err := r.client.SRandMember(ctx, waitingPoolKey(mode)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pick from waiting pool %s: %w", mode, err)
	}
	return raceID, true, nil
}
