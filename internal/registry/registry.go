// Package registry implements the Connection Registry of spec §4.5: the
// authoritative, fleet-wide view of live WebSocket subscriptions, held in
// Redis hashes and sets with atomic duplicate-user detection via a Lua
// script (single round trip compare-and-set).
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/model"
)

const defaultTTL = time.Hour

// registerScript implements spec §4.5's atomic `registerConnection`: it
// reads the user's prior live connection (if any), publishes a termination
// signal to that connection's hosting server if it differs from the new
// one, then atomically installs the new connection's indices. All of this
// happens in a single EVAL round trip, so there is no read-modify-write
// window for a racing registration to observe.
var registerScript = redis.NewScript(`
local userKey = KEYS[1]
local connKey = KEYS[2]
local serverSetKey = KEYS[3]
local subsKey = KEYS[4]

local clientId = ARGV[1]
local ttl = tonumber(ARGV[2])
local serverId = ARGV[3]

local oldClientId = redis.call('GET', userKey)
local preempted = ""
if oldClientId and oldClientId ~= clientId then
	local oldServerId = redis.call('HGET', 'connection:' .. oldClientId, 'serverId')
	if oldServerId then
		redis.call('PUBLISH', 'leaderboard:terminate:' .. oldServerId, oldClientId)
	end
	preempted = oldClientId
end

redis.call('SET', userKey, clientId, 'EX', ttl)

for i = 4, #ARGV, 2 do
	redis.call('HSET', connKey, ARGV[i], ARGV[i+1])
end
redis.call('EXPIRE', connKey, ttl)

redis.call('SADD', serverSetKey, clientId)
redis.call('EXPIRE', serverSetKey, ttl)

redis.call('SADD', subsKey, clientId)
redis.call('EXPIRE', subsKey, ttl)

return preempted
`)

// moveSubscriptionScript implements `updateSubscription`: atomic
// delete-from-old-set, add-to-new-set.
var moveSubscriptionScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))
return 1
`)

func serverConnectionsKey(serverID string) string { return fmt.Sprintf("server:%s:connections", serverID) }
func connectionKey(clientID string) string         { return fmt.Sprintf("connection:%s", clientID) }
func userConnectionKey(userID string) string        { return fmt.Sprintf("user:connection:%s", userID) }

func subsKey(mode model.LeaderboardMode, timeframe model.Timeframe, language string) string {
	return fmt.Sprintf("subs:%s:%s:%s", mode, timeframe, language)
}

// Redis is the Redis-backed Connection Registry.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis registry.
func New(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: defaultTTL}
}

// RegisterConnection atomically installs clientID's subscription indices
// and, if userId already maps to a different live clientId, signals that
// prior connection to terminate. It returns the preempted clientId, if any.
func (r *Redis) RegisterConnection(ctx context.Context, clientID string, sub model.Subscription) (string, error) {
	fields := []interface{}{
		"clientId", clientID,
		"userId", sub.UserID,
		"mode", string(sub.Mode),
		"timeframe", string(sub.Timeframe),
		"language", sub.Language,
		"tier", string(sub.Tier),
		"serverId", sub.ServerID,
	}
	keys := []string{
		userConnectionKey(sub.UserID),
		connectionKey(clientID),
		serverConnectionsKey(sub.ServerID),
		subsKey(sub.Mode, sub.Timeframe, sub.Language),
	}
	args := append([]interface{}{clientID, int(r.ttl.Seconds()), sub.ServerID}, fields...)

	if sub.UserID == "" {
		// Guests have no dedup key; skip the user-mapping half of the script
		// by pointing it at a scratch key instead of touching a shared one.
		keys[0] = fmt.Sprintf("connection-guest:%s", clientID)
	}

	res, err := registerScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return "", fmt.Errorf("register connection: %w", err)
	}
	preempted, _ := res.(string)
	return preempted, nil
}

// UpdateSubscription atomically moves clientID from the old subscription
// set to the new one.
func (r *Redis) UpdateSubscription(ctx context.Context, clientID string, old, newSub model.Subscription) error {
	oldKey := subsKey(old.Mode, old.Timeframe, old.Language)
	newKey := subsKey(newSub.Mode, newSub.Timeframe, newSub.Language)
	if err := moveSubscriptionScript.Run(ctx, r.client, []string{oldKey, newKey}, clientID, int(r.ttl.Seconds())).Err(); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	fields := map[string]interface{}{
		"mode": string(newSub.Mode), "timeframe": string(newSub.Timeframe), "language": newSub.Language,
	}
	if err := r.client.HSet(ctx, connectionKey(clientID), fields).Err(); err != nil {
		return fmt.Errorf("update connection hash: %w", err)
	}
	return r.client.Expire(ctx, connectionKey(clientID), r.ttl).Err()
}

// UnregisterConnection removes clientID from every index it participates
// in. Idempotent: missing keys are a no-op.
func (r *Redis) UnregisterConnection(ctx context.Context, clientID string) error {
	fields, err := r.client.HGetAll(ctx, connectionKey(clientID)).Result()
	if err != nil {
		return fmt.Errorf("read connection hash: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, connectionKey(clientID))
	if serverID := fields["serverId"]; serverID != "" {
		pipe.SRem(ctx, serverConnectionsKey(serverID), clientID)
	}
	mode := model.LeaderboardMode(fields["mode"])
	timeframe := model.Timeframe(fields["timeframe"])
	if mode != "" && timeframe != "" {
		pipe.SRem(ctx, subsKey(mode, timeframe, fields["language"]), clientID)
	}
	if userID := fields["userId"]; userID != "" {
		pipe.Eval(ctx, `if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end return 0`,
			[]string{userConnectionKey(userID)}, clientID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("unregister connection: %w", err)
	}
	return nil
}

// RefreshActivity extends the TTL of clientID's indices on activity,
// without changing their contents.
func (r *Redis) RefreshActivity(ctx context.Context, clientID string) error {
	fields, err := r.client.HGetAll(ctx, connectionKey(clientID)).Result()
	if err != nil || len(fields) == 0 {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Expire(ctx, connectionKey(clientID), r.ttl)
	if serverID := fields["serverId"]; serverID != "" {
		pipe.Expire(ctx, serverConnectionsKey(serverID), r.ttl)
	}
	mode := model.LeaderboardMode(fields["mode"])
	timeframe := model.Timeframe(fields["timeframe"])
	if mode != "" && timeframe != "" {
		pipe.Expire(ctx, subsKey(mode, timeframe, fields["language"]), r.ttl)
	}
	if userID := fields["userId"]; userID != "" {
		pipe.Expire(ctx, userConnectionKey(userID), r.ttl)
		pipe.ZAdd(ctx, activeUsersKey, &redis.Z{Score: float64(time.Now().Unix()), Member: userID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

const activeUsersKey = "active_users"

// UpgradeToActiveTier sets the registry tier to active for userId's live
// connection, called on score submission (spec §4.6 step 4).
func (r *Redis) UpgradeToActiveTier(ctx context.Context, userID string) error {
	clientID, err := r.client.Get(ctx, userConnectionKey(userID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user connection: %w", err)
	}
	if err := r.client.HSet(ctx, connectionKey(clientID), "tier", string(model.TierActive)).Err(); err != nil {
		return fmt.Errorf("upgrade tier: %w", err)
	}
	return r.client.ZAdd(ctx, activeUsersKey, &redis.Z{Score: float64(time.Now().Unix()), Member: userID}).Err()
}

// SubscribersOf returns the clientIds subscribed to (mode, timeframe,
// language). Timeframe "all" is expected to have been expanded by the
// caller into a fan-out lookup per spec §4.6; this returns exactly the one
// tuple's set.
func (r *Redis) SubscribersOf(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) ([]string, error) {
	members, err := r.client.SMembers(ctx, subsKey(mode, timeframe, language)).Result()
	if err != nil {
		return nil, fmt.Errorf("subscribers of %s/%s/%s: %w", mode, timeframe, language, err)
	}
	return members, nil
}

// CleanupStale clears leftover indices from a previous process generation
// on this server, per spec §4.5 "Stale cleanup on startup". It scans this
// server's connection set; every member is a connection from a process
// instance that is no longer running, so every one of its indices is
// removed.
func (r *Redis) CleanupStale(ctx context.Context, serverID string) error {
	clientIDs, err := r.client.SMembers(ctx, serverConnectionsKey(serverID)).Result()
	if err != nil {
		return fmt.Errorf("list server connections: %w", err)
	}
	for _, clientID := range clientIDs {
		if err := r.UnregisterConnection(ctx, clientID); err != nil {
			return fmt.Errorf("cleanup stale connection %s: %w", clientID, err)
		}
	}
	return r.client.Del(ctx, serverConnectionsKey(serverID)).Err()
}
