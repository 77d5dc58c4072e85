// Package filconst centralizes the numeric limits and defaults shared across packages. Most of these mirror
// the reference Rust implementation's core.rs / directory_contract.rs constants so behavior at the edges
// (lockout thresholds, queue capacities, search grammar limits) matches what that system shipped.
package filconst

import "time"

// Token and session lifetimes.
const (
	AccessTokenTTL  = 900 * time.Second
	RefreshTokenTTL = 2592000 * time.Second // 30 days
	UsedRefreshHashRetention = 30 * 24 * time.Hour
)

// Login throttling.
const (
	LoginLockThreshold = 5
	LoginLockDuration  = 30 * time.Second
)

// Message history and pagination.
const (
	MaxHistoryLimit      = 100
	DefaultHistoryLimit  = 50
	MaxAttachmentsPerMsg = 5
	MaxReactionEmojiChars = 32
	MaxReactionsPerMessage = 20
	MaxReactorUserIDsPerReaction = 50
)

// Attachment handling.
const (
	MaxMimeSniffBytes = 8192
)

// Search grammar and indexing.
const (
	MaxSearchTerms           = 20
	MaxSearchWildcards       = 4
	MaxSearchFuzzy           = 2
	SearchIndexQueueCapacity = 1024
	SearchWorkerBatchLimit   = 64
	MaxSearchReconcileDocs   = 10000
	SearchQueryTimeout       = 200 * time.Millisecond
	DefaultSearchQueryMaxChars   = 256
	DefaultSearchResultLimitMax  = 100
)

// Gateway connection defaults.
const (
	DefaultGatewayOutboundQueue            = 256
	DefaultGatewayIngressEventsPerWindow    = 20
	DefaultGatewayIngressWindow             = 10 * time.Second
)

// Media/voice defaults.
const (
	DefaultMediaSubscribeTokenCapPerChannel = 3
	MaxTrackedVoiceChannels                 = 4096
	MaxTrackedVoiceParticipantsPerChannel   = 256
	VoiceSFUSyncInterval                    = 15 * time.Second
)

// Directory moderation defaults.
const (
	DefaultGuildIPBanMaxEntries             = 4096
	MaxGuildIPBanReasonChars                = 240
	DefaultDirectoryJoinRequestsPerMinutePerIP   = 10
	DefaultDirectoryJoinRequestsPerMinutePerUser = 5
)

// Audit log limits.
const (
	MaxAuditActionPrefixChars = 64
	MaxAuditCursorChars       = 128
	DefaultAuditListLimitMax  = 100
)
