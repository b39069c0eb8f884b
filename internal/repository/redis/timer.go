package redis

import (
	"context"
	"time"
)

// Key patterns for Redis timer state.
func timerKey(gameID string) string { return "game:" + gameID + ":timer" }

// phaseGracePeriod is the extra time after the displayed deadline before the
// expiry notification fires. The in-process timer owns the real countdown;
// the Redis key only needs to fire if that timer was lost.
const phaseGracePeriod = 5 * time.Second

// SetTimer creates a timer key with a TTL. When the key expires, Redis
// keyspace notifications trigger phase finalization. Armed alongside every
// in-process countdown so a restart cannot strand an open phase.
func (c *Client) SetTimer(ctx context.Context, gameID string, deadline time.Time) error {
	ttl := time.Until(deadline) + phaseGracePeriod
	if ttl <= 0 {
		ttl = time.Second
	}
	return c.rdb.Set(ctx, timerKey(gameID), deadline.Unix(), ttl).Err()
}

// ClearTimer removes the timer for a game.
func (c *Client) ClearTimer(ctx context.Context, gameID string) error {
	return c.rdb.Del(ctx, timerKey(gameID)).Err()
}

// DeleteGameData removes all Redis data for a game (on game end).
func (c *Client) DeleteGameData(ctx context.Context, gameID string) error {
	return c.rdb.Del(ctx, timerKey(gameID)).Err()
}
