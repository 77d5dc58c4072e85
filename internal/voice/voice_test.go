package voice

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/gwevent"
	"github.com/filament-chat/filament-server/internal/idkit"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type recordedEmit struct {
	chanKey   string
	eventType gwevent.Type
	data      any
}

type fakeEmitter struct {
	events []recordedEmit
}

func (f *fakeEmitter) Emit(_ context.Context, chanKey string, eventType gwevent.Type, data any) error {
	f.events = append(f.events, recordedEmit{chanKey, eventType, data})
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *fakeEmitter) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	emitter := &fakeEmitter{}
	return NewRegistry(rdb, emitter, zerolog.Nop()), mr, emitter
}

func TestRegisterFromTokenEmitsJoinThenPublish(t *testing.T) {
	t.Parallel()
	reg, _, emitter := newTestRegistry(t)
	ctx := context.Background()
	guildID, channelID, userID := idkit.New(), idkit.New(), idkit.New()

	err := reg.RegisterFromToken(ctx, idkit.GuildID(guildID), idkit.ChannelID(channelID), idkit.UserID(userID),
		"identity-1", []string{"cam"}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RegisterFromToken() error = %v", err)
	}

	if len(emitter.events) != 2 {
		t.Fatalf("got %d events, want 2 (join, stream_publish)", len(emitter.events))
	}
	if emitter.events[0].eventType != gwevent.VoiceParticipantJoin {
		t.Errorf("events[0].eventType = %q, want %q", emitter.events[0].eventType, gwevent.VoiceParticipantJoin)
	}
	if emitter.events[1].eventType != gwevent.VoiceStreamPublish {
		t.Errorf("events[1].eventType = %q, want %q", emitter.events[1].eventType, gwevent.VoiceStreamPublish)
	}
}

func TestRegisterFromTokenSecondCallEmitsUpdateAndOnlyNewStreams(t *testing.T) {
	t.Parallel()
	reg, _, emitter := newTestRegistry(t)
	ctx := context.Background()
	guildID, channelID, userID := idkit.GuildID(idkit.New()), idkit.ChannelID(idkit.New()), idkit.UserID(idkit.New())

	if err := reg.RegisterFromToken(ctx, guildID, channelID, userID, "identity-1", []string{"cam"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first RegisterFromToken() error = %v", err)
	}
	emitter.events = nil

	if err := reg.RegisterFromToken(ctx, guildID, channelID, userID, "identity-1", []string{"cam", "screen"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second RegisterFromToken() error = %v", err)
	}

	if len(emitter.events) != 2 {
		t.Fatalf("got %d events, want 2 (update, stream_publish for screen only)", len(emitter.events))
	}
	if emitter.events[0].eventType != gwevent.VoiceParticipantUpdate {
		t.Errorf("events[0].eventType = %q, want %q", emitter.events[0].eventType, gwevent.VoiceParticipantUpdate)
	}
	if emitter.events[1].eventType != gwevent.VoiceStreamPublish {
		t.Errorf("events[1].eventType = %q, want %q", emitter.events[1].eventType, gwevent.VoiceStreamPublish)
	}
}

func TestRegisterFromTokenEnforcesParticipantCap(t *testing.T) {
	t.Parallel()
	reg, mr, _ := newTestRegistry(t)
	ctx := context.Background()
	guildID, channelID := idkit.GuildID(idkit.New()), idkit.ChannelID(idkit.New())

	for i := 0; i < participantTrackingCap(); i++ {
		userID := idkit.UserID(idkit.New())
		if err := reg.RegisterFromToken(ctx, guildID, channelID, userID, "identity", nil, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("RegisterFromToken() #%d error = %v", i, err)
		}
	}
	_ = mr

	overflowUser := idkit.UserID(idkit.New())
	err := reg.RegisterFromToken(ctx, guildID, channelID, overflowUser, "identity", nil, time.Now().Add(time.Minute))
	if err != ErrTooManyParticipants {
		t.Fatalf("RegisterFromToken() error = %v, want ErrTooManyParticipants", err)
	}
}

func TestRemoveEmitsLeaveAndUnpublish(t *testing.T) {
	t.Parallel()
	reg, _, emitter := newTestRegistry(t)
	ctx := context.Background()
	guildID, channelID, userID := idkit.GuildID(idkit.New()), idkit.ChannelID(idkit.New()), idkit.UserID(idkit.New())

	if err := reg.RegisterFromToken(ctx, guildID, channelID, userID, "identity-1", []string{"cam", "mic"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RegisterFromToken() error = %v", err)
	}
	emitter.events = nil

	if err := reg.Remove(ctx, guildID, channelID, userID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if len(emitter.events) != 3 {
		t.Fatalf("got %d events, want 3 (leave + 2 unpublish)", len(emitter.events))
	}
	if emitter.events[0].eventType != gwevent.VoiceParticipantLeave {
		t.Errorf("events[0].eventType = %q, want %q", emitter.events[0].eventType, gwevent.VoiceParticipantLeave)
	}
}

func TestRemoveOnUntrackedParticipantIsNoop(t *testing.T) {
	t.Parallel()
	reg, _, emitter := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Remove(ctx, idkit.GuildID(idkit.New()), idkit.ChannelID(idkit.New()), idkit.UserID(idkit.New()))
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(emitter.events) != 0 {
		t.Errorf("got %d events, want 0", len(emitter.events))
	}
}

func TestListParticipantsSweepsExpiredEntries(t *testing.T) {
	t.Parallel()
	reg, mr, emitter := newTestRegistry(t)
	ctx := context.Background()
	guildID, channelID := idkit.GuildID(idkit.New()), idkit.ChannelID(idkit.New())
	staleUser := idkit.UserID(idkit.New())
	freshUser := idkit.UserID(idkit.New())

	if err := reg.RegisterFromToken(ctx, guildID, channelID, staleUser, "stale", []string{"cam"}, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("RegisterFromToken(stale) error = %v", err)
	}
	if err := reg.RegisterFromToken(ctx, guildID, channelID, freshUser, "fresh", nil, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RegisterFromToken(fresh) error = %v", err)
	}
	emitter.events = nil

	mr.FastForward(2 * time.Second)

	participants, err := reg.ListParticipants(ctx, guildID, channelID)
	if err != nil {
		t.Fatalf("ListParticipants() error = %v", err)
	}
	if len(participants) != 1 {
		t.Fatalf("got %d participants, want 1", len(participants))
	}
	if participants[0].UserID != freshUser {
		t.Errorf("remaining participant = %v, want %v", participants[0].UserID, freshUser)
	}
}

func TestChannelUntrackedOnceEmpty(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	guildID, channelID, userID := idkit.GuildID(idkit.New()), idkit.ChannelID(idkit.New()), idkit.UserID(idkit.New())

	if err := reg.RegisterFromToken(ctx, guildID, channelID, userID, "identity", nil, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RegisterFromToken() error = %v", err)
	}
	if err := reg.Remove(ctx, guildID, channelID, userID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	chanKeys, err := reg.rdb.SMembers(ctx, channelsSetKey()).Result()
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(chanKeys) != 0 {
		t.Errorf("got %d tracked channels after last participant left, want 0", len(chanKeys))
	}
}
