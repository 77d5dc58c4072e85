// Package voice implements PresenceVoiceRegistry (§4.9): a per-(guild,channel) map of connected voice
// participants, synchronized against an external SFU. State lives in Redis so every API process sees the
// same registry, grounded on the teacher's internal/presence Store (TTL'd Valkey keys refreshed by
// heartbeats) generalized from a single online/idle/dnd status string to a richer per-participant record.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/gwevent"
	"github.com/filament-chat/filament-server/internal/idkit"
)

var (
	// ErrTooManyChannels is returned when registering a participant in a channel not already tracked
	// would exceed filconst.MaxTrackedVoiceChannels.
	ErrTooManyChannels = errors.New("voice: too many tracked voice channels")

	// ErrTooManyParticipants is returned when registering a new participant in a channel would exceed
	// filconst.MaxTrackedVoiceParticipantsPerChannel.
	ErrTooManyParticipants = errors.New("voice: too many participants in channel")
)

// Participant is the state tracked for one connected voice participant.
type Participant struct {
	UserID           idkit.UserID `json:"user_id"`
	Identity         string       `json:"identity"`
	Muted            bool         `json:"muted"`
	PublishedStreams []string     `json:"published_streams"`
	JoinedAt         time.Time    `json:"joined_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
}

func (p Participant) expired(now time.Time) bool { return !p.ExpiresAt.After(now) }

// SFUParticipant is the shape returned by an external SFU's participant listing, used by the
// synchronization loop to detect ghost/zombie/spoofed state.
type SFUParticipant struct {
	Identity   string
	AudioMuted bool
}

// Client is the subset of an external SFU's control API the registry needs to reconcile against.
type Client interface {
	ListParticipants(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID) ([]SFUParticipant, error)
	RemoveParticipant(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, identity string) error
}

// GatewayEmitter dispatches a gateway event to every connection subscribed to channelKey. Defined locally,
// matching message.GatewayEmitter's shape, so this package depends on a method set rather than importing
// internal/gateway directly.
type GatewayEmitter interface {
	Emit(ctx context.Context, channelKey string, eventType gwevent.Type, data any) error
}

// Registry tracks voice participants in Redis, keyed per (guild, channel).
type Registry struct {
	rdb     *redis.Client
	gateway GatewayEmitter
	log     zerolog.Logger
}

// NewRegistry creates a Redis-backed voice participant registry. gateway may be nil for tests that only
// exercise registry state, in which case dispatch is skipped.
func NewRegistry(rdb *redis.Client, gateway GatewayEmitter, logger zerolog.Logger) *Registry {
	return &Registry{rdb: rdb, gateway: gateway, log: logger}
}

func channelKey(guildID idkit.GuildID, channelID idkit.ChannelID) string {
	return guildID.String() + ":" + channelID.String()
}

func participantsSetKey(chanKey string) string { return "voice:members:" + chanKey }
func participantKey(chanKey string, userID idkit.UserID) string {
	return "voice:participant:" + chanKey + ":" + userID.String()
}
func channelsSetKey() string { return "voice:channels" }

// event is a pending gateway dispatch collected while a registry mutation holds no Go-level lock (Redis
// itself serializes the operations) so emission always happens after the state change commits, matching
// the "compute the change, then signal" ordering used elsewhere in this tree's concurrency design.
type event struct {
	chanKey   string
	eventType gwevent.Type
	data      any
}

// RegisterFromToken inserts or updates a voice participant. It emits voice_participant_join on first
// registration or voice_participant_update on a refresh, followed by voice_stream_publish for every
// stream in publishedStreams not already present on the prior record.
func (r *Registry) RegisterFromToken(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, userID idkit.UserID, identity string, publishedStreams []string, expiresAt time.Time) error {
	now := time.Now()
	chanKey := channelKey(guildID, channelID)

	existing, err := r.getParticipant(ctx, chanKey, userID)
	if err != nil {
		return err
	}

	if existing == nil {
		alreadyTracked, err := r.rdb.SIsMember(ctx, channelsSetKey(), chanKey).Result()
		if err != nil {
			return fmt.Errorf("voice: check tracked channel: %w", err)
		}
		if !alreadyTracked {
			count, err := r.rdb.SCard(ctx, channelsSetKey()).Result()
			if err != nil {
				return fmt.Errorf("voice: count tracked channels: %w", err)
			}
			if int(count) >= channelTrackingCap() {
				return ErrTooManyChannels
			}
		}

		count, err := r.rdb.SCard(ctx, participantsSetKey(chanKey)).Result()
		if err != nil {
			return fmt.Errorf("voice: count channel participants: %w", err)
		}
		if int(count) >= participantTrackingCap() {
			return ErrTooManyParticipants
		}
	}

	newlyPublished := publishedStreams
	joinedAt := now
	if existing != nil {
		newlyPublished = diffStreams(publishedStreams, existing.PublishedStreams)
		joinedAt = existing.JoinedAt
	}

	p := Participant{
		UserID:           userID,
		Identity:         identity,
		Muted:            existing != nil && existing.Muted,
		PublishedStreams: publishedStreams,
		JoinedAt:         joinedAt,
		UpdatedAt:        now,
		ExpiresAt:        expiresAt,
	}

	if err := r.putParticipant(ctx, chanKey, p); err != nil {
		return err
	}

	var events []event
	if existing == nil {
		events = append(events, event{chanKey, gwevent.VoiceParticipantJoin, p})
	} else {
		events = append(events, event{chanKey, gwevent.VoiceParticipantUpdate, p})
	}
	for _, stream := range newlyPublished {
		events = append(events, event{chanKey, gwevent.VoiceStreamPublish, voiceStreamEvent(userID, stream)})
	}
	r.emitAll(ctx, events)
	return nil
}

// Remove evicts a participant, emitting voice_participant_leave and voice_stream_unpublish for each stream
// they had published. A no-op if the participant was not tracked.
func (r *Registry) Remove(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, userID idkit.UserID) error {
	chanKey := channelKey(guildID, channelID)
	existing, err := r.getParticipant(ctx, chanKey, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := r.deleteParticipant(ctx, chanKey, userID); err != nil {
		return err
	}

	events := []event{{chanKey, gwevent.VoiceParticipantLeave, voiceLeaveEvent(userID)}}
	for _, stream := range existing.PublishedStreams {
		events = append(events, event{chanKey, gwevent.VoiceStreamUnpublish, voiceStreamEvent(userID, stream)})
	}
	r.emitAll(ctx, events)
	return nil
}

// ListParticipants returns every non-expired participant tracked in a channel, sweeping and evicting (with
// leave/unpublish dispatch) any entry found expired along the way.
func (r *Registry) ListParticipants(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID) ([]Participant, error) {
	chanKey := channelKey(guildID, channelID)
	userIDStrs, err := r.rdb.SMembers(ctx, participantsSetKey(chanKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("voice: list channel members: %w", err)
	}

	now := time.Now()
	result := make([]Participant, 0, len(userIDStrs))
	var events []event
	for _, idStr := range userIDStrs {
		userID, err := idkit.Parse(idStr)
		if err != nil {
			continue
		}
		p, err := r.getParticipantRaw(ctx, chanKey, idkit.UserID(userID))
		if err != nil {
			return nil, err
		}
		if p == nil || p.expired(now) {
			if err := r.removeMembership(ctx, chanKey, idkit.UserID(userID)); err != nil {
				return nil, err
			}
			if p != nil {
				events = append(events, event{chanKey, gwevent.VoiceParticipantLeave, voiceLeaveEvent(idkit.UserID(userID))})
				for _, stream := range p.PublishedStreams {
					events = append(events, event{chanKey, gwevent.VoiceStreamUnpublish, voiceStreamEvent(idkit.UserID(userID), stream)})
				}
			}
			continue
		}
		result = append(result, *p)
	}
	r.emitAll(ctx, events)
	return result, nil
}

func (r *Registry) getParticipant(ctx context.Context, chanKey string, userID idkit.UserID) (*Participant, error) {
	p, err := r.getParticipantRaw(ctx, chanKey, userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.expired(time.Now()) {
		return nil, nil
	}
	return p, nil
}

func (r *Registry) getParticipantRaw(ctx context.Context, chanKey string, userID idkit.UserID) (*Participant, error) {
	val, err := r.rdb.Get(ctx, participantKey(chanKey, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("voice: get participant: %w", err)
	}
	var p Participant
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("voice: decode participant: %w", err)
	}
	return &p, nil
}

func (r *Registry) putParticipant(ctx context.Context, chanKey string, p Participant) error {
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("voice: encode participant: %w", err)
	}
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, participantKey(chanKey, p.UserID), encoded, ttl)
	pipe.SAdd(ctx, participantsSetKey(chanKey), p.UserID.String())
	pipe.SAdd(ctx, channelsSetKey(), chanKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voice: write participant: %w", err)
	}
	return nil
}

func (r *Registry) deleteParticipant(ctx context.Context, chanKey string, userID idkit.UserID) error {
	return r.removeMembership(ctx, chanKey, userID)
}

func (r *Registry) removeMembership(ctx context.Context, chanKey string, userID idkit.UserID) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, participantKey(chanKey, userID))
	pipe.SRem(ctx, participantsSetKey(chanKey), userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voice: remove participant: %w", err)
	}
	remaining, err := r.rdb.SCard(ctx, participantsSetKey(chanKey)).Result()
	if err != nil {
		return fmt.Errorf("voice: count remaining participants: %w", err)
	}
	if remaining == 0 {
		if err := r.rdb.SRem(ctx, channelsSetKey(), chanKey).Err(); err != nil {
			return fmt.Errorf("voice: untrack empty channel: %w", err)
		}
	}
	return nil
}

func (r *Registry) emitAll(ctx context.Context, events []event) {
	if r.gateway == nil {
		return
	}
	for _, e := range events {
		if err := r.gateway.Emit(ctx, e.chanKey, e.eventType, e.data); err != nil {
			r.log.Warn().Err(err).Str("event", string(e.eventType)).Msg("voice: gateway emit failed")
		}
	}
}

func diffStreams(next, prev []string) []string {
	seen := make(map[string]bool, len(prev))
	for _, s := range prev {
		seen[s] = true
	}
	var added []string
	for _, s := range next {
		if !seen[s] {
			added = append(added, s)
		}
	}
	return added
}

func voiceLeaveEvent(userID idkit.UserID) any {
	return struct {
		UserID idkit.UserID `json:"user_id"`
	}{UserID: userID}
}

func voiceStreamEvent(userID idkit.UserID, streamID string) any {
	return struct {
		UserID   idkit.UserID `json:"user_id"`
		StreamID string       `json:"stream_id"`
	}{UserID: userID, StreamID: streamID}
}

func channelTrackingCap() int     { return filconst.MaxTrackedVoiceChannels }
func participantTrackingCap() int { return filconst.MaxTrackedVoiceParticipantsPerChannel }
