// Package redis bridges the coordinator to Redis: cross-instance change
// relay over pub/sub, participant presence markers, and a cached question
// bank.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
)

const changeChannelPrefix = "quiz:changes:"

// Relay shares ledger change events between coordinator instances through
// Redis pub/sub, one channel per table. Delivery is at-least-once: an event
// may reach a client twice (once locally, once relayed) but per-row order is
// preserved within each channel. Events carry the origin instance id so a
// relay never re-imports its own traffic.
type Relay struct {
	client *redis.Client
	broker *fanout.Broker
	origin string
	logger zerolog.Logger
}

func NewRelay(client *redis.Client, broker *fanout.Broker, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		broker: broker,
		origin: uuid.NewString(),
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// Origin returns this relay's instance identifier.
func (r *Relay) Origin() string {
	return r.origin
}

// Run pumps local ledger events out to Redis and remote events into the
// local broker until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	local, cancel := r.broker.Subscribe()
	defer cancel()

	sub := r.client.PSubscribe(ctx, changeChannelPrefix+"*")
	defer sub.Close()
	remote := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-local:
			if !ok {
				// Evicted by the broker for falling behind.
				return errors.New("local change subscription closed")
			}
			if ev.Origin != "" {
				// Already relayed from another instance.
				continue
			}
			r.publish(ctx, ev)
		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			r.ingest(msg)
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev domain.ChangeEvent) {
	ev.Origin = r.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, changeChannelPrefix+ev.Table, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Str("table", ev.Table).Msg("relay publish failed")
	}
}

func (r *Relay) ingest(msg *redis.Message) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("relay dropped malformed event")
		return
	}
	if ev.Origin == r.origin {
		return
	}
	if ev.Table == "" {
		ev.Table = strings.TrimPrefix(msg.Channel, changeChannelPrefix)
	}
	r.broker.Publish(ev)
}
