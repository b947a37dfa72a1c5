// Package cache implements the tiered leaderboard cache of spec §4.3:
// a process-local LRU, a Redis-backed distributed Top-N/snapshot/around-me
// layer, and a Tiered cache composing the two per the read algorithm.
package cache

import (
	"fmt"
	"strings"

	"github.com/typemaster/leaderboard/internal/model"
)

// Key structurally identifies one paginated leaderboard read, matching the
// local LRU key shape of spec §4.3.
type Key struct {
	Mode      model.LeaderboardMode
	Timeframe model.Timeframe
	Language  string
	Filters   string
	Limit     int
	Offset    int
	UserID    string
}

// String renders a stable cache key string, used both as the local LRU map
// key and as the prefix basis for pattern invalidation.
func (k Key) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lb:%s:%s:%s", k.Mode, k.Timeframe, k.Language)
	if k.Filters != "" {
		fmt.Fprintf(&b, ":f=%s", k.Filters)
	}
	fmt.Fprintf(&b, ":l=%d:o=%d", k.Limit, k.Offset)
	if k.UserID != "" {
		fmt.Fprintf(&b, ":u=%s", k.UserID)
	}
	return b.String()
}

// Prefix returns the portion of the key stable across limit/offset/user,
// used for substring-match invalidation when a (mode, timeframe, language)
// partition changes.
func (k Key) Prefix() string {
	return fmt.Sprintf("lb:%s:%s:%s", k.Mode, k.Timeframe, k.Language)
}

// TopNKey is the shared Redis key for a partition's Top-N snapshot
// (spec §4.3): `leaderboard:top100:{mode}:{timeframe}:{language}`.
func TopNKey(mode model.LeaderboardMode, timeframe model.Timeframe, language string) string {
	return fmt.Sprintf("leaderboard:top100:%s:%s:%s", mode, timeframe, language)
}

// SnapshotKey is the shared Redis key for the anonymous/CDN snapshot cache.
func SnapshotKey(mode model.LeaderboardMode, timeframe model.Timeframe, language string) string {
	return fmt.Sprintf("leaderboard:snapshot:%s:%s:%s", mode, timeframe, language)
}

// AroundMeKey is the shared Redis key for one user's around-me window.
func AroundMeKey(userID string, mode model.LeaderboardMode, timeframe model.Timeframe, language string) string {
	return fmt.Sprintf("leaderboard:around:%s:%s:%s:%s", userID, mode, timeframe, language)
}
