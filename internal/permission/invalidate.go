package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/filament-chat/filament-server/internal/idkit"
)

// InvalidationMessage is published to trigger cache invalidation across every API process.
type InvalidationMessage struct {
	UserID    *idkit.UserID    `json:"user_id,omitempty"`
	ChannelID *idkit.ChannelID `json:"channel_id,omitempty"`
}

// Publisher sends cache invalidation messages via Redis pub/sub.
type Publisher struct {
	Client *redis.Client
}

// NewPublisher creates a new invalidation publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{Client: client}
}

// InvalidateUser publishes an invalidation for all cached permissions of a user, used after a role
// assignment change.
func (p *Publisher) InvalidateUser(ctx context.Context, userID idkit.UserID) error {
	return p.publish(ctx, InvalidationMessage{UserID: &userID})
}

// InvalidateChannel publishes an invalidation for all cached permissions of a channel, used after an
// override change.
func (p *Publisher) InvalidateChannel(ctx context.Context, channelID idkit.ChannelID) error {
	return p.publish(ctx, InvalidationMessage{ChannelID: &channelID})
}

func (p *Publisher) publish(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("permission: marshal invalidation: %w", err)
	}
	return p.Client.Publish(ctx, InvalidateChannel, data).Err()
}

// Subscriber listens for cache invalidation messages and removes the matching cached entries.
type Subscriber struct {
	Cache  Cache
	Client *redis.Client
}

// NewSubscriber creates a new invalidation subscriber.
func NewSubscriber(cache Cache, client *redis.Client) *Subscriber {
	return &Subscriber{Cache: cache, Client: client}
}

// Run subscribes to the invalidation channel and processes messages until ctx is cancelled. It blocks and
// should be called in a goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.Client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Warn().Err(err).Str("payload", payload).Msg("invalid permission invalidation message")
		return
	}

	var err error
	switch {
	case msg.UserID != nil && msg.ChannelID != nil:
		err = s.Cache.DeleteExact(ctx, *msg.UserID, *msg.ChannelID)
	case msg.UserID != nil:
		err = s.Cache.DeleteByUser(ctx, *msg.UserID)
	case msg.ChannelID != nil:
		err = s.Cache.DeleteByChannel(ctx, *msg.ChannelID)
	default:
		return
	}

	if err != nil {
		log.Warn().Err(err).Msg("permission cache invalidation failed")
	}
}
