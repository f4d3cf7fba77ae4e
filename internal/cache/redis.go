package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/threedegreeseast/retreatbooking/config"
	"github.com/threedegreeseast/retreatbooking/internal/domain"
)

type RedisCache struct {
	client     *redis.Client
	summaryTTL time.Duration
	dedupTTL   time.Duration
}

func NewRedisCache(cfg config.RedisConfig, summaryTTL, dedupTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:     redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		summaryTTL: summaryTTL,
		dedupTTL:   dedupTTL,
	}
}

// MarkEventSeen records a webhook event id and reports whether this delivery
// is the first one. Providers redeliver, so duplicates are the normal case.
func (c *RedisCache) MarkEventSeen(ctx context.Context, eventID string) (bool, error) {
	return c.client.SetNX(ctx, eventKey(eventID), "seen", c.dedupTTL).Result()
}

// ForgetEvent removes the seen marker after a failed settlement so the
// provider's redelivery gets processed instead of deduplicated away.
func (c *RedisCache) ForgetEvent(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, eventKey(eventID)).Err()
}

func (c *RedisCache) GetBookingBySession(ctx context.Context, sessionRef string) (*domain.Booking, error) {
	data, err := c.client.Get(ctx, sessionKey(sessionRef)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var booking domain.Booking
	if err := json.Unmarshal(data, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (c *RedisCache) SetBookingBySession(ctx context.Context, sessionRef string, booking *domain.Booking) error {
	payload, err := json.Marshal(booking)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, sessionKey(sessionRef), payload, c.summaryTTL).Err()
}

func eventKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

func sessionKey(sessionRef string) string {
	return fmt.Sprintf("cache:booking:session:%s", sessionRef)
}
