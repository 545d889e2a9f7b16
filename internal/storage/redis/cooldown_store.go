package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const keyPrefix = "harvest:"

func cooldownKey(e harvest.EntityRef) string {
	return keyPrefix + "cooldown:" + string(e.Kind) + ":" + e.ID
}
func cooldownIndexKey(kind harvest.EntityKind) string {
	return keyPrefix + "cooldowns:" + string(kind)
}
func abortKey(e harvest.EntityRef) string { return keyPrefix + "aborts:" + string(e.Kind) + ":" + e.ID }

// CooldownStore keeps cooldowns as JSON values indexed by a per-kind sorted
// set scored by end time, and aborts as a sorted set per entity.
type CooldownStore struct {
	client redis.Cmdable
}

var _ harvest.CooldownStore = (*CooldownStore)(nil)

// NewCooldownStore constructs a CooldownStore.
func NewCooldownStore(client redis.Cmdable) *CooldownStore {
	return &CooldownStore{client: client}
}

// SetCooldown upserts the cooldown for its entity.
func (s *CooldownStore) SetCooldown(ctx context.Context, c harvest.Cooldown) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cooldown: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, cooldownKey(c.Entity), data, 0)
	pipe.ZAdd(ctx, cooldownIndexKey(c.Entity.Kind), redis.Z{
		Score:  float64(c.Until.UnixMilli()),
		Member: c.Entity.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set cooldown for %s: %w", c.Entity.ID, err)
	}
	return nil
}

// GetCooldown returns the last cooldown recorded for entity, expired or not.
func (s *CooldownStore) GetCooldown(ctx context.Context, entity harvest.EntityRef) (harvest.Cooldown, bool, error) {
	data, err := s.client.Get(ctx, cooldownKey(entity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return harvest.Cooldown{}, false, nil
	}
	if err != nil {
		return harvest.Cooldown{}, false, fmt.Errorf("redis get cooldown for %s: %w", entity.ID, err)
	}
	var c harvest.Cooldown
	if err := json.Unmarshal(data, &c); err != nil {
		return harvest.Cooldown{}, false, fmt.Errorf("unmarshal cooldown: %w", err)
	}
	return c, true, nil
}

// ListActive returns cooldowns of kind still in force at now, soonest ending first.
func (s *CooldownStore) ListActive(ctx context.Context, kind harvest.EntityKind, now time.Time) ([]harvest.Cooldown, error) {
	ids, err := s.client.ZRangeByScore(ctx, cooldownIndexKey(kind), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list cooldowns: %w", err)
	}
	out := make([]harvest.Cooldown, 0, len(ids))
	for _, id := range ids {
		c, ok, err := s.GetCooldown(ctx, harvest.EntityRef{Kind: kind, ID: id})
		if err != nil {
			return nil, err
		}
		if ok && c.ActiveAt(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ClearCooldown removes entity's cooldown.
func (s *CooldownStore) ClearCooldown(ctx context.Context, entity harvest.EntityRef) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, cooldownKey(entity))
	pipe.ZRem(ctx, cooldownIndexKey(entity.Kind), entity.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis clear cooldown for %s: %w", entity.ID, err)
	}
	return nil
}

// RecordAbort evicts aborts outside the trailing window, appends this one,
// and returns the count still inside the window.
func (s *CooldownStore) RecordAbort(ctx context.Context, entity harvest.EntityRef, at time.Time, window time.Duration) (int, error) {
	key := abortKey(entity)
	cutoff := at.Add(-window).UnixNano()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis record abort for %s: %w", entity.ID, err)
	}
	return int(count.Val()), nil
}
