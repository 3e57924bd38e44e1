package intake

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClaimer claims recording ids with SET NX EX.
type RedisClaimer struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClaimer creates a claimer whose claims expire after ttl.
func NewRedisClaimer(client redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisClaimer{client: client, ttl: ttl}
}

// ClaimKey returns the Redis key for a recording claim.
func ClaimKey(recordingID string) string {
	return "intake:claim:" + recordingID
}

func (c *RedisClaimer) Claim(ctx context.Context, recordingID string) (bool, error) {
	return c.client.SetNX(ctx, ClaimKey(recordingID), time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
}

func (c *RedisClaimer) Release(ctx context.Context, recordingID string) error {
	return c.client.Del(ctx, ClaimKey(recordingID)).Err()
}
