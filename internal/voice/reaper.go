package voice

import (
	"context"
	"time"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/gwevent"
	"github.com/filament-chat/filament-server/internal/idkit"
)

// RunSFUSync starts the SFU synchronization loop (§4.9) on its own goroutine, ticking every
// filconst.VoiceSFUSyncInterval until ctx is canceled. Grounded on cmd/filament's
// data-cleanup-ticker pattern (select over ctx.Done() and ticker.C).
func (r *Registry) RunSFUSync(ctx context.Context, client Client) {
	ticker := time.NewTicker(filconst.VoiceSFUSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncAllChannels(ctx, client)
		}
	}
}

func (r *Registry) syncAllChannels(ctx context.Context, client Client) {
	chanKeys, err := r.rdb.SMembers(ctx, channelsSetKey()).Result()
	if err != nil {
		r.log.Warn().Err(err).Msg("voice: list tracked channels for sync")
		return
	}
	for _, chanKey := range chanKeys {
		guildID, channelID, ok := splitChannelKey(chanKey)
		if !ok {
			continue
		}
		if err := r.syncChannel(ctx, client, guildID, channelID); err != nil {
			r.log.Warn().Err(err).Str("channel_key", chanKey).Msg("voice: SFU sync failed")
		}
	}
}

// syncChannel reconciles one (guild,channel) pair against the SFU: ghost participants (tracked locally,
// absent from the SFU) are removed locally; spoofed mute state (locally muted but an unmuted audio track
// on the SFU) is corrected and re-broadcast; zombie participants (present on the SFU, unknown locally) are
// force-evicted via the SFU's own remove API.
func (r *Registry) syncChannel(ctx context.Context, client Client, guildID idkit.GuildID, channelID idkit.ChannelID) error {
	local, err := r.ListParticipants(ctx, guildID, channelID)
	if err != nil {
		return err
	}

	remote, err := client.ListParticipants(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	remoteByIdentity := make(map[string]SFUParticipant, len(remote))
	for _, p := range remote {
		remoteByIdentity[p.Identity] = p
	}

	localByIdentity := make(map[string]Participant, len(local))
	for _, p := range local {
		localByIdentity[p.Identity] = p
	}

	for _, p := range local {
		sfuP, present := remoteByIdentity[p.Identity]
		if !present {
			if err := r.Remove(ctx, guildID, channelID, p.UserID); err != nil {
				r.log.Warn().Err(err).Str("identity", p.Identity).Msg("voice: evict ghost participant")
			}
			continue
		}
		if p.Muted && !sfuP.AudioMuted {
			if err := r.forceUnmute(ctx, guildID, channelID, p); err != nil {
				r.log.Warn().Err(err).Str("identity", p.Identity).Msg("voice: correct spoofed mute state")
			}
		}
	}

	for _, sfuP := range remote {
		if _, tracked := localByIdentity[sfuP.Identity]; !tracked {
			if err := client.RemoveParticipant(ctx, guildID, channelID, sfuP.Identity); err != nil {
				r.log.Warn().Err(err).Str("identity", sfuP.Identity).Msg("voice: force-evict zombie participant")
			}
		}
	}
	return nil
}

func (r *Registry) forceUnmute(ctx context.Context, guildID idkit.GuildID, channelID idkit.ChannelID, p Participant) error {
	p.Muted = false
	p.UpdatedAt = time.Now()
	chanKey := channelKey(guildID, channelID)
	if err := r.putParticipant(ctx, chanKey, p); err != nil {
		return err
	}
	r.emitAll(ctx, []event{{chanKey, gwevent.VoiceParticipantUpdate, p}})
	return nil
}

func splitChannelKey(chanKey string) (idkit.GuildID, idkit.ChannelID, bool) {
	for i := 0; i < len(chanKey); i++ {
		if chanKey[i] == ':' {
			guildID, err := idkit.Parse(chanKey[:i])
			if err != nil {
				return idkit.GuildID{}, idkit.ChannelID{}, false
			}
			channelID, err := idkit.Parse(chanKey[i+1:])
			if err != nil {
				return idkit.GuildID{}, idkit.ChannelID{}, false
			}
			return idkit.GuildID(guildID), idkit.ChannelID(channelID), true
		}
	}
	return idkit.GuildID{}, idkit.ChannelID{}, false
}
