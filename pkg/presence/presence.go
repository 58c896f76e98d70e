// Package presence tracks who is online, backed by Redis so the REST layer
// and other gateway instances see the same view.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker maintains a per-group online set and a per-user status hash.
// A nil *Tracker is a no-op, so tests and redis-less runs need no stub.
type Tracker struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewTracker(redisAddr string, log *slog.Logger) *Tracker {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return &Tracker{rdb: rdb, log: log}
}

func groupSetKey(groupKey string) string { return "group:" + groupKey + ":online" }
func userHashKey(userID string) string   { return "presence:" + userID }

// SetOnline adds the user to the group's online set and flips their status.
func (t *Tracker) SetOnline(ctx context.Context, groupKey, userID string, at time.Time) {
	if t == nil {
		return
	}
	if err := t.rdb.SAdd(ctx, groupSetKey(groupKey), userID).Err(); err != nil {
		t.log.Warn("presence set online failed", "user", userID, "group", groupKey, "err", err)
	}
	t.setStatus(ctx, userID, true, at)
}

// SetOffline removes the user from the group's online set.
func (t *Tracker) SetOffline(ctx context.Context, groupKey, userID string, at time.Time) {
	if t == nil {
		return
	}
	if err := t.rdb.SRem(ctx, groupSetKey(groupKey), userID).Err(); err != nil {
		t.log.Warn("presence set offline failed", "user", userID, "group", groupKey, "err", err)
	}
	t.setStatus(ctx, userID, false, at)
}

func (t *Tracker) setStatus(ctx context.Context, userID string, online bool, at time.Time) {
	err := t.rdb.HSet(ctx, userHashKey(userID),
		"online", fmt.Sprintf("%t", online),
		"last_seen", at.UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		t.log.Warn("presence status update failed", "user", userID, "err", err)
	}
}

// OnlineMembers returns the user ids currently online in a group.
func (t *Tracker) OnlineMembers(ctx context.Context, groupKey string) ([]string, error) {
	if t == nil {
		return nil, nil
	}
	members, err := t.rdb.SMembers(ctx, groupSetKey(groupKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	return members, nil
}

func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	return t.rdb.Close()
}
