// Package gwevent defines the closed set of gateway event type strings dispatched over the realtime wire
// envelope. Handlers switch on these constants rather than raw strings so a typo in an event name fails at
// compile time instead of silently never matching.
package gwevent

// Type is the wire-level "t" field of the {v, t, d} envelope.
type Type string

// Message lifecycle events.
const (
	MessageCreate Type = "message_create"
	MessageUpdate Type = "message_update"
	MessageDelete Type = "message_delete"
	ReactionAdd   Type = "reaction_add"
	ReactionRemove Type = "reaction_remove"
)

// Workspace (guild) administration events. These exist so connected clients stay in sync with structural
// changes even though the message-level spec doesn't enumerate them explicitly.
const (
	WorkspaceUpdate             Type = "workspace_update"
	WorkspaceMemberAdd          Type = "workspace_member_add"
	WorkspaceMemberUpdate       Type = "workspace_member_update"
	WorkspaceMemberRemove       Type = "workspace_member_remove"
	WorkspaceMemberBan          Type = "workspace_member_ban"
	WorkspaceRoleCreate         Type = "workspace_role_create"
	WorkspaceRoleUpdate         Type = "workspace_role_update"
	WorkspaceRoleDelete         Type = "workspace_role_delete"
	WorkspaceRoleReorder        Type = "workspace_role_reorder"
	WorkspaceRoleAssignmentAdd  Type = "workspace_role_assignment_add"
	WorkspaceRoleAssignmentRemove Type = "workspace_role_assignment_remove"
	WorkspaceChannelOverrideUpdate Type = "workspace_channel_override_update"
	WorkspaceIPBanSync          Type = "workspace_ip_ban_sync"
)

// Presence and voice events.
const (
	PresenceSync        Type = "presence_sync"
	PresenceUpdate       Type = "presence_update"
	VoiceParticipantSync Type = "voice_participant_sync"
	VoiceParticipantJoin Type = "voice_participant_join"
	VoiceParticipantLeave Type = "voice_participant_leave"
	VoiceParticipantUpdate Type = "voice_participant_update"
	VoiceStreamPublish   Type = "voice_stream_publish"
	VoiceStreamUnpublish Type = "voice_stream_unpublish"
)

// Channel lifecycle events.
const (
	ChannelCreate Type = "channel_create"
	ChannelUpdate Type = "channel_update"
	ChannelDelete Type = "channel_delete"
)

// Envelope is the wire-level dispatch frame. Consumers that don't recognize Type must ignore Data rather
// than error, so the gateway can add event types without breaking older clients.
type Envelope struct {
	V int    `json:"v"`
	T Type   `json:"t"`
	D any    `json:"d"`
}

const EnvelopeVersion = 1

// NewEnvelope wraps data with the current envelope version.
func NewEnvelope(t Type, data any) Envelope {
	return Envelope{V: EnvelopeVersion, T: t, D: data}
}
