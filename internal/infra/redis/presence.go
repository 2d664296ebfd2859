package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "quiz:presence:"

// Presence marks connected participants with TTL keys so liveness survives
// across coordinator instances. The ledger's connected flag is authoritative
// for clients; these markers let an instance spot participants whose
// connection died without a clean disconnect.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

// Mark sets (or refreshes) the participant's liveness marker.
func (p *Presence) Mark(ctx context.Context, participantID string) error {
	return p.client.Set(ctx, presenceKeyPrefix+participantID, "1", p.ttl).Err()
}

// Clear removes the marker on clean disconnect.
func (p *Presence) Clear(ctx context.Context, participantID string) error {
	return p.client.Del(ctx, presenceKeyPrefix+participantID).Err()
}

// Alive reports whether the participant's marker is still present.
func (p *Presence) Alive(ctx context.Context, participantID string) (bool, error) {
	n, err := p.client.Exists(ctx, presenceKeyPrefix+participantID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OnlineCount counts live markers.
func (p *Presence) OnlineCount(ctx context.Context) (int, error) {
	var cursor uint64
	total := 0
	for {
		keys, next, err := p.client.Scan(ctx, cursor, presenceKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
