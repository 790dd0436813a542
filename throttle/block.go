package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// blockKey names a manual lockout marker.
func blockKey(id string) string {
	return "bl:" + id
}

// Block sets a manual lockout marker for id that expires after d. It is
// independent of any Throttle and of bucket state.
func Block(ctx context.Context, c redis.Cmdable, id string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("block %s: duration must be positive", id)
	}
	if err := c.Set(ctx, blockKey(id), 1, d).Err(); err != nil {
		return fmt.Errorf("block %s: %w", id, err)
	}
	return nil
}

// IsBlocked reports whether a marker set by Block is still present.
func IsBlocked(ctx context.Context, c redis.Cmdable, id string) (bool, error) {
	err := c.Get(ctx, blockKey(id)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check block %s: %w", id, err)
	}
	return true, nil
}
