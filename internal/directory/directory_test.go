package directory

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/guild"
	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/member"
	"github.com/filament-chat/filament-server/internal/ratelimit"
)

func TestCanonicalizeNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"cidr gets masked", "203.0.113.198/24", "203.0.113.0/24", false},
		{"already canonical", "203.0.113.0/24", "203.0.113.0/24", false},
		{"bare ipv4 becomes /32", "203.0.113.5", "203.0.113.5/32", false},
		{"garbage is rejected", "not-an-ip", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalizeNetwork(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CanonicalizeNetwork(%q) error = nil, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("CanonicalizeNetwork(%q) error = %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("CanonicalizeNetwork(%q) = %q, want %q", tt.input, got.String(), tt.want)
			}
		})
	}
}

// fakeGuilds implements the subset of guild.Repository this package needs.
type fakeGuilds struct {
	guilds map[idkit.GuildID]*guild.Guild
}

func (f *fakeGuilds) Create(context.Context, guild.CreateParams) (*guild.Guild, error) { return nil, nil }
func (f *fakeGuilds) Get(_ context.Context, id idkit.GuildID) (*guild.Guild, error) {
	g, ok := f.guilds[id]
	if !ok {
		return nil, guild.ErrNotFound
	}
	return g, nil
}
func (f *fakeGuilds) Update(context.Context, idkit.GuildID, guild.UpdateParams) (*guild.Guild, error) {
	return nil, nil
}
func (f *fakeGuilds) Delete(context.Context, idkit.GuildID) error { return nil }
func (f *fakeGuilds) ListPublic(context.Context, int, string) ([]*guild.Guild, string, error) {
	return nil, "", nil
}
func (f *fakeGuilds) ListForUser(context.Context, idkit.UserID) ([]*guild.Guild, error) {
	return nil, nil
}

// fakeMembers implements the subset of member.Repository this package needs.
type fakeMembers struct {
	members map[idkit.GuildID]map[idkit.UserID]bool
	banned  map[idkit.GuildID]map[idkit.UserID]bool
	joined  []idkit.UserID
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{
		members: make(map[idkit.GuildID]map[idkit.UserID]bool),
		banned:  make(map[idkit.GuildID]map[idkit.UserID]bool),
	}
}

func (f *fakeMembers) List(context.Context, idkit.GuildID, *idkit.UserID, int) ([]member.MemberWithProfile, error) {
	return nil, nil
}

func (f *fakeMembers) GetByUserID(_ context.Context, guildID idkit.GuildID, userID idkit.UserID) (*member.MemberWithProfile, error) {
	if f.members[guildID][userID] {
		return &member.MemberWithProfile{GuildID: guildID, UserID: userID}, nil
	}
	return nil, member.ErrNotFound
}

func (f *fakeMembers) Join(_ context.Context, guildID idkit.GuildID, userID idkit.UserID, _ *idkit.RoleID) (*member.MemberWithProfile, error) {
	if f.members[guildID] == nil {
		f.members[guildID] = make(map[idkit.UserID]bool)
	}
	f.members[guildID][userID] = true
	f.joined = append(f.joined, userID)
	return &member.MemberWithProfile{GuildID: guildID, UserID: userID}, nil
}

func (f *fakeMembers) UpdateNickname(context.Context, idkit.GuildID, idkit.UserID, *string) (*member.MemberWithProfile, error) {
	return nil, nil
}
func (f *fakeMembers) Leave(context.Context, idkit.GuildID, idkit.UserID) error { return nil }

func (f *fakeMembers) Ban(_ context.Context, guildID idkit.GuildID, userID, _ idkit.UserID, _ *string, _ *time.Time) error {
	if f.banned[guildID] == nil {
		f.banned[guildID] = make(map[idkit.UserID]bool)
	}
	f.banned[guildID][userID] = true
	return nil
}
func (f *fakeMembers) Unban(context.Context, idkit.GuildID, idkit.UserID) error { return nil }
func (f *fakeMembers) ListBans(context.Context, idkit.GuildID, *idkit.UserID, int) ([]member.BanRecord, error) {
	return nil, nil
}
func (f *fakeMembers) IsBanned(_ context.Context, guildID idkit.GuildID, userID idkit.UserID) (bool, error) {
	return f.banned[guildID][userID], nil
}
func (f *fakeMembers) AssignRole(context.Context, idkit.GuildID, idkit.UserID, idkit.RoleID) error {
	return nil
}
func (f *fakeMembers) RemoveRole(context.Context, idkit.GuildID, idkit.UserID, idkit.RoleID) error {
	return nil
}
func (f *fakeMembers) RoleIDs(context.Context, idkit.GuildID, idkit.UserID) ([]idkit.RoleID, error) {
	return nil, nil
}
func (f *fakeMembers) CountOwnerHolders(context.Context, idkit.GuildID, idkit.RoleID) (int, error) {
	return 0, nil
}

// fakeIPBans implements IPBanRepository.
type fakeIPBans struct {
	bans map[idkit.GuildID][]IPBan
}

func newFakeIPBans() *fakeIPBans {
	return &fakeIPBans{bans: make(map[idkit.GuildID][]IPBan)}
}

func (f *fakeIPBans) Create(_ context.Context, guildID idkit.GuildID, network netip.Prefix, sourceUserID *idkit.UserID, reason *string, expiresAt *time.Time) (*IPBan, error) {
	ban := IPBan{ID: idkit.BanID(idkit.New()), GuildID: guildID, Network: network, SourceUserID: sourceUserID, Reason: reason, CreatedAt: time.Now(), ExpiresAt: expiresAt}
	f.bans[guildID] = append(f.bans[guildID], ban)
	return &ban, nil
}

func (f *fakeIPBans) Delete(_ context.Context, guildID idkit.GuildID, banID idkit.BanID) error {
	bans := f.bans[guildID]
	for i, b := range bans {
		if b.ID == banID {
			f.bans[guildID] = append(bans[:i], bans[i+1:]...)
			return nil
		}
	}
	return ErrBanNotFound
}

func (f *fakeIPBans) List(_ context.Context, guildID idkit.GuildID) ([]IPBan, error) {
	return f.bans[guildID], nil
}

func (f *fakeIPBans) CountActive(_ context.Context, guildID idkit.GuildID) (int, error) {
	return len(f.bans[guildID]), nil
}

func (f *fakeIPBans) FindMatch(_ context.Context, guildID idkit.GuildID, ip netip.Addr) (*IPBan, error) {
	for _, b := range f.bans[guildID] {
		if b.Network.Contains(ip) {
			ban := b
			return &ban, nil
		}
	}
	return nil, nil
}

// fakeGovernor implements ratelimit.Governor and always admits, so join-admission tests exercise the
// ordering of checks rather than rate-limit state.
type fakeGovernor struct{}

func (fakeGovernor) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true}, nil
}

// fakeAudit implements AuditLogger, recording every call for assertions.
type fakeAudit struct {
	actions []string
}

func (f *fakeAudit) Append(_ context.Context, _ idkit.GuildID, _ idkit.UserID, action string, _ idkit.ID) error {
	f.actions = append(f.actions, action)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeGuilds, *fakeMembers, *fakeIPBans, *fakeAudit) {
	t.Helper()
	guilds := &fakeGuilds{guilds: make(map[idkit.GuildID]*guild.Guild)}
	members := newFakeMembers()
	bans := newFakeIPBans()
	audit := &fakeAudit{}
	svc := NewService(guilds, members, bans, fakeGovernor{}, audit, zerolog.Nop())
	return svc, guilds, members, bans, audit
}

func TestJoinPublicGuildAccepted(t *testing.T) {
	t.Parallel()

	svc, guilds, _, _, audit := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	userID := idkit.UserID(idkit.New())
	guilds.guilds[guildID] = &guild.Guild{ID: guildID, Visibility: guild.VisibilityPublic}

	outcome, err := svc.JoinPublicGuild(context.Background(), userID, guildID, netip.MustParseAddr("203.0.113.5"))
	if err != nil {
		t.Fatalf("JoinPublicGuild: %v", err)
	}
	if outcome != Accepted {
		t.Errorf("outcome = %v, want Accepted", outcome)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "directory.join.accepted" {
		t.Errorf("audit actions = %v, want [directory.join.accepted]", audit.actions)
	}
}

func TestJoinPublicGuildAlreadyMember(t *testing.T) {
	t.Parallel()

	svc, guilds, members, _, _ := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	userID := idkit.UserID(idkit.New())
	guilds.guilds[guildID] = &guild.Guild{ID: guildID, Visibility: guild.VisibilityPublic}
	members.members[guildID] = map[idkit.UserID]bool{userID: true}

	outcome, err := svc.JoinPublicGuild(context.Background(), userID, guildID, netip.MustParseAddr("203.0.113.5"))
	if err != nil {
		t.Fatalf("JoinPublicGuild: %v", err)
	}
	if outcome != AlreadyMember {
		t.Errorf("outcome = %v, want AlreadyMember", outcome)
	}
}

func TestJoinPublicGuildRejectedVisibility(t *testing.T) {
	t.Parallel()

	svc, guilds, _, _, audit := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	userID := idkit.UserID(idkit.New())
	guilds.guilds[guildID] = &guild.Guild{ID: guildID, Visibility: guild.VisibilityPrivate}

	outcome, err := svc.JoinPublicGuild(context.Background(), userID, guildID, netip.MustParseAddr("203.0.113.5"))
	if err != nil {
		t.Fatalf("JoinPublicGuild: %v", err)
	}
	if outcome != RejectedVisibility {
		t.Errorf("outcome = %v, want RejectedVisibility", outcome)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "directory.join.rejected_visibility" {
		t.Errorf("audit actions = %v, want [directory.join.rejected_visibility]", audit.actions)
	}
}

func TestJoinPublicGuildRejectedUserBan(t *testing.T) {
	t.Parallel()

	svc, guilds, members, _, _ := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	userID := idkit.UserID(idkit.New())
	guilds.guilds[guildID] = &guild.Guild{ID: guildID, Visibility: guild.VisibilityPublic}
	members.banned[guildID] = map[idkit.UserID]bool{userID: true}

	outcome, err := svc.JoinPublicGuild(context.Background(), userID, guildID, netip.MustParseAddr("203.0.113.5"))
	if err != nil {
		t.Fatalf("JoinPublicGuild: %v", err)
	}
	if outcome != RejectedUserBan {
		t.Errorf("outcome = %v, want RejectedUserBan", outcome)
	}
}

func TestJoinPublicGuildRejectedIPBan(t *testing.T) {
	t.Parallel()

	svc, guilds, _, bans, _ := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	userID := idkit.UserID(idkit.New())
	guilds.guilds[guildID] = &guild.Guild{ID: guildID, Visibility: guild.VisibilityPublic}
	network, err := CanonicalizeNetwork("203.0.113.0/24")
	if err != nil {
		t.Fatalf("CanonicalizeNetwork: %v", err)
	}
	if _, err := bans.Create(context.Background(), guildID, network, nil, nil, nil); err != nil {
		t.Fatalf("bans.Create: %v", err)
	}

	outcome, err := svc.JoinPublicGuild(context.Background(), userID, guildID, netip.MustParseAddr("203.0.113.5"))
	if err != nil {
		t.Fatalf("JoinPublicGuild: %v", err)
	}
	if outcome != RejectedIPBan {
		t.Errorf("outcome = %v, want RejectedIPBan", outcome)
	}
}

func TestJoinPublicGuildNotFound(t *testing.T) {
	t.Parallel()

	svc, _, _, _, _ := newTestService(t)
	_, err := svc.JoinPublicGuild(context.Background(), idkit.UserID(idkit.New()), idkit.GuildID(idkit.New()), netip.MustParseAddr("203.0.113.5"))
	if err != ErrGuildNotFound {
		t.Fatalf("err = %v, want ErrGuildNotFound", err)
	}
}

func TestGateBlocksBannedIP(t *testing.T) {
	t.Parallel()

	svc, _, _, bans, audit := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	userID := idkit.UserID(idkit.New())
	network, err := CanonicalizeNetwork("198.51.100.0/24")
	if err != nil {
		t.Fatalf("CanonicalizeNetwork: %v", err)
	}
	if _, err := bans.Create(context.Background(), guildID, network, nil, nil, nil); err != nil {
		t.Fatalf("bans.Create: %v", err)
	}

	err = svc.Gate(context.Background(), guildID, userID, netip.MustParseAddr("198.51.100.7"))
	if err != ErrIPBanned {
		t.Fatalf("Gate err = %v, want ErrIPBanned", err)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "moderation.ip_ban.hit" {
		t.Errorf("audit actions = %v, want [moderation.ip_ban.hit]", audit.actions)
	}
}

func TestGateAllowsUnbannedIP(t *testing.T) {
	t.Parallel()

	svc, _, _, _, _ := newTestService(t)
	err := svc.Gate(context.Background(), idkit.GuildID(idkit.New()), idkit.UserID(idkit.New()), netip.MustParseAddr("203.0.113.5"))
	if err != nil {
		t.Fatalf("Gate err = %v, want nil", err)
	}
}

func TestBanIPCreatesAndLists(t *testing.T) {
	t.Parallel()

	svc, _, _, _, _ := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	actorID := idkit.UserID(idkit.New())

	networks := []string{"203.0.0.0/24", "203.0.1.0/24"}
	for i, network := range networks {
		if _, err := svc.BanIP(context.Background(), guildID, actorID, network, nil, nil); err != nil {
			t.Fatalf("BanIP %d: %v", i, err)
		}
	}

	summaries, err := svc.ListIPBans(context.Background(), guildID)
	if err != nil {
		t.Fatalf("ListIPBans: %v", err)
	}
	if len(summaries) != len(networks) {
		t.Fatalf("len(summaries) = %d, want %d", len(summaries), len(networks))
	}
}

func TestBanIPEnforcesCap(t *testing.T) {
	t.Parallel()

	svc, _, _, bans, _ := newTestService(t)
	guildID := idkit.GuildID(idkit.New())
	actorID := idkit.UserID(idkit.New())

	existing := make([]IPBan, filconst.DefaultGuildIPBanMaxEntries)
	bans.bans[guildID] = existing

	if _, err := svc.BanIP(context.Background(), guildID, actorID, "198.51.100.0/24", nil, nil); err != ErrTooManyIPBans {
		t.Fatalf("BanIP err = %v, want ErrTooManyIPBans", err)
	}
}
