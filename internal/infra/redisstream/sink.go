package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"taskvisor/internal/domain"
	"taskvisor/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.EventSink = (*Client)(nil)

// Publish appends ev to the configured stream, trimming it to about MaxLen
// entries.
func (c *Client) Publish(ctx context.Context, ev domain.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{
			"kind":    string(ev.Kind),
			"subject": ev.Subject,
			"event":   b,
		},
	}
	if c.Cfg.MaxLen > 0 {
		args.MaxLen = c.Cfg.MaxLen
		args.Approx = true
	}
	if err := c.Rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", c.Cfg.StreamKey, err)
	}
	return nil
}
