package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callscribe/internal/models"
	"callscribe/internal/redis"
)

// StatusEvent is one pipeline transition as published on the status
// feed and cached per file.
type StatusEvent struct {
	FileID  int64         `json:"file_id"`
	OwnerID int64         `json:"owner_id"`
	Status  models.Status `json:"status"`
	Error   string        `json:"error,omitempty"`
}

const (
	statusChannel   = "pipeline:status"
	statusKeyFmt    = "pipeline:owner:%d:file:%d"
	statusCacheTTL  = 30 * time.Minute
	statusOpTimeout = 2 * time.Second
)

// stateCache mirrors pipeline status into redis: a short-lived key per
// file for cheap polling plus a pub/sub channel for live feeds. With a
// nil client every method is a no-op, so the pipeline works without
// redis at reduced capability.
type stateCache struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateCache {
	return &stateCache{client: client}
}

func (c *stateCache) enabled() bool {
	return c != nil && c.client != nil
}

func (c *stateCache) cacheStatus(ownerID, fileID int64, status models.Status) {
	if !c.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusOpTimeout)
	defer cancel()
	// Cache failures are not worth failing a run over.
	_ = c.client.Set(ctx, fmt.Sprintf(statusKeyFmt, ownerID, fileID), string(status), statusCacheTTL)
}

func (c *stateCache) loadStatus(ctx context.Context, ownerID, fileID int64) (models.Status, bool) {
	if !c.enabled() {
		return "", false
	}
	v, err := c.client.Get(ctx, fmt.Sprintf(statusKeyFmt, ownerID, fileID))
	if err != nil {
		return "", false
	}
	return models.Status(v), true
}

func (c *stateCache) invalidate(ownerID, fileID int64) {
	if !c.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusOpTimeout)
	defer cancel()
	_ = c.client.Del(ctx, fmt.Sprintf(statusKeyFmt, ownerID, fileID))
}

func (c *stateCache) publishStatus(ev StatusEvent) {
	if !c.enabled() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusOpTimeout)
	defer cancel()
	_ = c.client.Publish(ctx, statusChannel, payload)
}

// subscribe opens a feed of StatusEvents. The returned cancel func must
// be called; with no redis the channel is nil and cancel is a no-op.
func (c *stateCache) subscribe(ctx context.Context) (<-chan StatusEvent, func()) {
	if !c.enabled() {
		return nil, func() {}
	}
	sub := c.client.Subscribe(ctx, statusChannel)
	if sub == nil {
		return nil, func() {}
	}

	out := make(chan StatusEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
