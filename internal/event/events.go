// Package event turns raw gateway frames into typed, validated events.
//
// Every event type has a closed schema. A payload that is missing a field,
// carries a wrong-typed field, or holds a value outside its declared range is
// rejected as a whole; nothing is ever partially decoded. Fields the schema
// does not name are ignored so that the server can add data without breaking
// older clients.
package event

import (
	"encoding/json"

	"github.com/Gopher0727/chatsync/internal/model"
)

// Kind is the wire name of an event type.
type Kind string

const (
	KindReady           Kind = "ready"
	KindSubscribed      Kind = "subscribed"
	KindMessageCreate   Kind = "message_create"
	KindMessageUpdate   Kind = "message_update"
	KindMessageDelete   Kind = "message_delete"
	KindMessageReaction Kind = "message_reaction"
	KindPresenceSync    Kind = "presence_sync"
	KindPresenceUpdate  Kind = "presence_update"
	KindWorkspaceUpdate Kind = "workspace_update"
	KindRoleCreate      Kind = "workspace_role_create"
	KindRoleUpdate      Kind = "workspace_role_update"
	KindRoleDelete      Kind = "workspace_role_delete"
	KindMemberRemove    Kind = "workspace_member_remove"
	KindChannelCreate   Kind = "channel_create"
	KindChannelDelete   Kind = "channel_delete"
	KindVoiceSync       Kind = "voice_participant_sync"
	KindVoiceJoin       Kind = "voice_participant_join"
	KindVoiceUpdate     Kind = "voice_participant_update"
	KindVoiceLeave      Kind = "voice_participant_leave"
	KindStreamPublish   Kind = "voice_stream_publish"
	KindStreamUnpublish Kind = "voice_stream_unpublish"
	KindProfileUpdate   Kind = "profile_update"
	KindAvatarUpdate    Kind = "profile_avatar_update"
)

// Event is the closed set of decoded events. Only types in this package
// implement it; consumers switch on the concrete type.
type Event interface {
	Kind() Kind
	isEvent()
}

type Ready struct {
	SelfID model.UserID
	Guilds []model.Guild
}

type Subscribed struct {
	GuildID    model.GuildID
	ChannelIDs []model.ChannelID
}

type MessageCreate struct {
	Message model.Message
}

// MessageFields holds the fields a message_update may carry. Nil means the
// field was not sent and must be left alone.
type MessageFields struct {
	Content        *string
	MarkdownTokens json.RawMessage
	EditedAtUnix   *int64
}

type MessageUpdate struct {
	GuildID   model.GuildID
	ChannelID model.ChannelID
	MessageID model.MessageID
	Fields    MessageFields
}

type MessageDelete struct {
	GuildID       model.GuildID
	ChannelID     model.ChannelID
	MessageID     model.MessageID
	DeletedAtUnix int64
}

type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

// MessageReaction carries the authoritative count for one emoji after the
// actor's add or remove was applied server side.
type MessageReaction struct {
	GuildID   model.GuildID
	ChannelID model.ChannelID
	MessageID model.MessageID
	Emoji     string
	Count     int
	ActorID   model.UserID
	Action    ReactionAction
}

type PresenceSync struct {
	GuildID model.GuildID
	UserIDs []model.UserID
}

type PresenceUpdate struct {
	GuildID model.GuildID
	UserID  model.UserID
	Status  model.PresenceStatus
}

type WorkspaceFields struct {
	Name       *string
	Visibility *model.Visibility
}

type WorkspaceUpdate struct {
	GuildID model.GuildID
	Fields  WorkspaceFields
}

type RoleCreate struct {
	GuildID model.GuildID
	Role    model.Role
}

type RoleFields struct {
	Name        *string
	Color       *string
	Position    *int64
	Permissions *int64
}

type RoleUpdate struct {
	GuildID model.GuildID
	RoleID  model.RoleID
	Fields  RoleFields
}

type RoleDelete struct {
	GuildID model.GuildID
	RoleID  model.RoleID
}

type MemberRemove struct {
	GuildID model.GuildID
	UserID  model.UserID
}

type ChannelCreate struct {
	Channel model.Channel
}

type ChannelDelete struct {
	GuildID   model.GuildID
	ChannelID model.ChannelID
}

type VoiceSync struct {
	Key          model.VoiceKey
	Participants []model.VoiceParticipant
}

type VoiceJoin struct {
	Key         model.VoiceKey
	Participant model.VoiceParticipant
}

type VoiceFields struct {
	Muted    *bool
	Deafened *bool
}

type VoiceUpdate struct {
	Key      model.VoiceKey
	UserID   model.UserID
	Identity string
	Fields   VoiceFields
}

type VoiceLeave struct {
	Key      model.VoiceKey
	UserID   model.UserID
	Identity string
}

type StreamPublish struct {
	Key      model.VoiceKey
	UserID   model.UserID
	Identity string
	Stream   model.StreamKind
}

type StreamUnpublish struct {
	Key      model.VoiceKey
	UserID   model.UserID
	Identity string
	Stream   model.StreamKind
}

type ProfileUpdate struct {
	UserID      model.UserID
	Username    *string
	DisplayName *string
}

// AvatarUpdate with an empty AvatarURL means the avatar was removed.
type AvatarUpdate struct {
	UserID    model.UserID
	AvatarURL string
}

func (Ready) Kind() Kind           { return KindReady }
func (Subscribed) Kind() Kind      { return KindSubscribed }
func (MessageCreate) Kind() Kind   { return KindMessageCreate }
func (MessageUpdate) Kind() Kind   { return KindMessageUpdate }
func (MessageDelete) Kind() Kind   { return KindMessageDelete }
func (MessageReaction) Kind() Kind { return KindMessageReaction }
func (PresenceSync) Kind() Kind    { return KindPresenceSync }
func (PresenceUpdate) Kind() Kind  { return KindPresenceUpdate }
func (WorkspaceUpdate) Kind() Kind { return KindWorkspaceUpdate }
func (RoleCreate) Kind() Kind      { return KindRoleCreate }
func (RoleUpdate) Kind() Kind      { return KindRoleUpdate }
func (RoleDelete) Kind() Kind      { return KindRoleDelete }
func (MemberRemove) Kind() Kind    { return KindMemberRemove }
func (ChannelCreate) Kind() Kind   { return KindChannelCreate }
func (ChannelDelete) Kind() Kind   { return KindChannelDelete }
func (VoiceSync) Kind() Kind       { return KindVoiceSync }
func (VoiceJoin) Kind() Kind       { return KindVoiceJoin }
func (VoiceUpdate) Kind() Kind     { return KindVoiceUpdate }
func (VoiceLeave) Kind() Kind      { return KindVoiceLeave }
func (StreamPublish) Kind() Kind   { return KindStreamPublish }
func (StreamUnpublish) Kind() Kind { return KindStreamUnpublish }
func (ProfileUpdate) Kind() Kind   { return KindProfileUpdate }
func (AvatarUpdate) Kind() Kind    { return KindAvatarUpdate }

func (Ready) isEvent()           {}
func (Subscribed) isEvent()      {}
func (MessageCreate) isEvent()   {}
func (MessageUpdate) isEvent()   {}
func (MessageDelete) isEvent()   {}
func (MessageReaction) isEvent() {}
func (PresenceSync) isEvent()    {}
func (PresenceUpdate) isEvent()  {}
func (WorkspaceUpdate) isEvent() {}
func (RoleCreate) isEvent()      {}
func (RoleUpdate) isEvent()      {}
func (RoleDelete) isEvent()      {}
func (MemberRemove) isEvent()    {}
func (ChannelCreate) isEvent()   {}
func (ChannelDelete) isEvent()   {}
func (VoiceSync) isEvent()       {}
func (VoiceJoin) isEvent()       {}
func (VoiceUpdate) isEvent()     {}
func (VoiceLeave) isEvent()      {}
func (StreamPublish) isEvent()   {}
func (StreamUnpublish) isEvent() {}
func (ProfileUpdate) isEvent()   {}
func (AvatarUpdate) isEvent()    {}
