// Package directory implements public-guild join admission and CIDR-based IP ban moderation (§4.10):
// visibility gating, per-IP/per-user join rate limits, user-ban and IP-ban checks, and the IP-ban gate
// consulted on every guild-scoped route. Grounded on internal/guild's Visibility type and
// internal/member's ban bookkeeping, generalized from the teacher's invite-acceptance flow
// (internal/invite, not carried into this tree) into a single admission function with a closed outcome set.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/filament-chat/filament-server/internal/filconst"
	"github.com/filament-chat/filament-server/internal/guild"
	"github.com/filament-chat/filament-server/internal/idkit"
	"github.com/filament-chat/filament-server/internal/member"
	"github.com/filament-chat/filament-server/internal/ratelimit"
)

// Outcome is the closed result set of JoinPublicGuild. Exactly one value is ever returned on success;
// rate-limit rejection is reported as an error instead, since it is not part of the admission decision
// the domain model defines.
type Outcome string

const (
	Accepted           Outcome = "accepted"
	AlreadyMember      Outcome = "already_member"
	RejectedVisibility Outcome = "rejected_visibility"
	RejectedUserBan    Outcome = "rejected_user_ban"
	RejectedIPBan      Outcome = "rejected_ip_ban"
)

var (
	ErrGuildNotFound  = errors.New("guild not found")
	ErrRateLimited    = errors.New("directory join rate limit exceeded")
	ErrTooManyIPBans  = errors.New("guild has reached its IP ban cap")
	ErrInvalidNetwork = errors.New("invalid IP network")
	ErrBanNotFound    = errors.New("IP ban not found")
)

// IPBan is a CIDR-scoped guild ban. Network is always canonical (netmask already applied).
type IPBan struct {
	ID           idkit.BanID
	GuildID      idkit.GuildID
	Network      netip.Prefix
	SourceUserID *idkit.UserID
	Reason       *string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Summary is the client-facing projection of an IPBan: the network itself is an operational secret and
// must never be returned (§4.10).
type Summary struct {
	ID           idkit.BanID
	SourceUserID *idkit.UserID
	Reason       *string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Summary projects a ban to its public, network-free shape.
func (b IPBan) Summary() Summary {
	return Summary{ID: b.ID, SourceUserID: b.SourceUserID, Reason: b.Reason, CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt}
}

// CanonicalizeNetwork parses a CIDR or bare IP string and masks it down to its network address, so that
// e.g. "203.0.113.198/24" canonicalizes to "203.0.113.0/24". A bare IP is treated as a /32 (or /128).
func CanonicalizeNetwork(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		addr, addrErr := netip.ParseAddr(s)
		if addrErr != nil {
			return netip.Prefix{}, ErrInvalidNetwork
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	return prefix.Masked(), nil
}

// IPBanRepository is the persistence contract for guild IP bans.
type IPBanRepository interface {
	Create(ctx context.Context, guildID idkit.GuildID, network netip.Prefix, sourceUserID *idkit.UserID, reason *string, expiresAt *time.Time) (*IPBan, error)
	Delete(ctx context.Context, guildID idkit.GuildID, banID idkit.BanID) error
	List(ctx context.Context, guildID idkit.GuildID) ([]IPBan, error)
	CountActive(ctx context.Context, guildID idkit.GuildID) (int, error)

	// FindMatch returns the first active ban whose network contains ip, or nil if none match.
	FindMatch(ctx context.Context, guildID idkit.GuildID, ip netip.Addr) (*IPBan, error)
}

// AuditLogger appends a moderation audit event. Structurally identical to message.AuditLogger so
// audit.Appender satisfies both without either package importing the other.
type AuditLogger interface {
	Append(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, action string, targetID idkit.ID) error
}

// Service implements public-guild join admission and the IP-ban gate.
type Service struct {
	guilds  guild.Repository
	members member.Repository
	bans    IPBanRepository
	limiter ratelimit.Governor
	audit   AuditLogger
	log     zerolog.Logger
}

// NewService wires a directory Service from its dependencies.
func NewService(guilds guild.Repository, members member.Repository, bans IPBanRepository, limiter ratelimit.Governor, audit AuditLogger, logger zerolog.Logger) *Service {
	return &Service{guilds: guilds, members: members, bans: bans, limiter: limiter, audit: audit, log: logger}
}

// JoinPublicGuild runs the admission algorithm in order: visibility → per-IP/per-user ratelimit →
// user-ban check → IP-ban check. Every outcome that rejects a join attempt on guild-specific grounds
// appends a corresponding audit entry; a plain ratelimit rejection does not, since it fires before any
// guild-specific decision is made.
func (s *Service) JoinPublicGuild(ctx context.Context, userID idkit.UserID, guildID idkit.GuildID, clientIP netip.Addr) (Outcome, error) {
	g, err := s.guilds.Get(ctx, guildID)
	if err != nil {
		if errors.Is(err, guild.ErrNotFound) {
			return "", ErrGuildNotFound
		}
		return "", fmt.Errorf("get guild: %w", err)
	}

	if g.Visibility != guild.VisibilityPublic {
		s.appendAudit(ctx, guildID, userID, "directory.join.rejected_visibility", idkit.Nil)
		return RejectedVisibility, nil
	}

	if existing, err := s.members.GetByUserID(ctx, guildID, userID); err == nil && existing != nil {
		return AlreadyMember, nil
	} else if err != nil && !errors.Is(err, member.ErrNotFound) {
		return "", fmt.Errorf("check existing membership: %w", err)
	}

	if err := s.checkRateLimits(ctx, userID, clientIP); err != nil {
		return "", err
	}

	banned, err := s.members.IsBanned(ctx, guildID, userID)
	if err != nil {
		return "", fmt.Errorf("check user ban: %w", err)
	}
	if banned {
		s.appendAudit(ctx, guildID, userID, "directory.join.rejected_user_ban", idkit.Nil)
		return RejectedUserBan, nil
	}

	ipBan, err := s.bans.FindMatch(ctx, guildID, clientIP)
	if err != nil {
		return "", fmt.Errorf("check ip ban: %w", err)
	}
	if ipBan != nil {
		s.appendAudit(ctx, guildID, userID, "directory.join.rejected_ip_ban", idkit.Nil)
		return RejectedIPBan, nil
	}

	if _, err := s.members.Join(ctx, guildID, userID, g.DefaultJoinRoleID); err != nil {
		return "", fmt.Errorf("join guild: %w", err)
	}
	s.appendAudit(ctx, guildID, userID, "directory.join.accepted", idkit.Nil)
	return Accepted, nil
}

func (s *Service) checkRateLimits(ctx context.Context, userID idkit.UserID, clientIP netip.Addr) error {
	ipDecision, err := s.limiter.Allow(ctx, "directory.join.ip:"+clientIP.String(), filconst.DefaultDirectoryJoinRequestsPerMinutePerIP, time.Minute)
	if err != nil {
		return fmt.Errorf("ip ratelimit: %w", err)
	}
	if !ipDecision.Allowed {
		return ErrRateLimited
	}

	userDecision, err := s.limiter.Allow(ctx, "directory.join.user:"+userID.String(), filconst.DefaultDirectoryJoinRequestsPerMinutePerUser, time.Minute)
	if err != nil {
		return fmt.Errorf("user ratelimit: %w", err)
	}
	if !userDecision.Allowed {
		return ErrRateLimited
	}
	return nil
}

// Gate consults a guild's active IP bans for an already-authenticated, guild-scoped request. A match
// fails closed: it appends a moderation.ip_ban.hit audit entry and reports ErrIPBanned, never exposing
// ban details to the caller.
func (s *Service) Gate(ctx context.Context, guildID idkit.GuildID, userID idkit.UserID, clientIP netip.Addr) error {
	ban, err := s.bans.FindMatch(ctx, guildID, clientIP)
	if err != nil {
		return fmt.Errorf("ip ban gate lookup: %w", err)
	}
	if ban == nil {
		return nil
	}
	s.appendAudit(ctx, guildID, userID, "moderation.ip_ban.hit", idkit.Nil)
	return ErrIPBanned
}

// ErrIPBanned is returned by Gate on a match; handlers translate it to apierr.Forbidden.
var ErrIPBanned = errors.New("client ip is banned from this guild")

// BanIP creates a new canonical CIDR ban for a guild, enforcing the per-guild cap.
func (s *Service) BanIP(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, network string, reason *string, expiresAt *time.Time) (*IPBan, error) {
	prefix, err := CanonicalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	if reason != nil && utf8.RuneCountInString(*reason) > filconst.MaxGuildIPBanReasonChars {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidNetwork, filconst.MaxGuildIPBanReasonChars)
	}

	count, err := s.bans.CountActive(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("count active bans: %w", err)
	}
	if count >= filconst.DefaultGuildIPBanMaxEntries {
		return nil, ErrTooManyIPBans
	}

	ban, err := s.bans.Create(ctx, guildID, prefix, &actorID, reason, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("create ip ban: %w", err)
	}
	s.appendAudit(ctx, guildID, actorID, "moderation.ip_ban.create", idkit.Nil)
	return ban, nil
}

// UnbanIP removes a ban by ID.
func (s *Service) UnbanIP(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, banID idkit.BanID) error {
	if err := s.bans.Delete(ctx, guildID, banID); err != nil {
		return err
	}
	s.appendAudit(ctx, guildID, actorID, "moderation.ip_ban.delete", idkit.Nil)
	return nil
}

// ListIPBans returns the guild's active bans projected to their public, network-free summary shape.
func (s *Service) ListIPBans(ctx context.Context, guildID idkit.GuildID) ([]Summary, error) {
	bans, err := s.bans.List(ctx, guildID)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, len(bans))
	for i, b := range bans {
		summaries[i] = b.Summary()
	}
	return summaries, nil
}

func (s *Service) appendAudit(ctx context.Context, guildID idkit.GuildID, actorID idkit.UserID, action string, targetID idkit.ID) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, guildID, actorID, action, targetID); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("directory: failed to append audit event")
	}
}
