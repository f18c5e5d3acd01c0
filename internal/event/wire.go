package event

import (
	"encoding/json"

	"github.com/Gopher0727/chatsync/internal/model"
)

// Wire shapes. Pointer fields distinguish "absent" from the zero value so
// that a missing count or timestamp fails validation instead of reading as 0.

type guildWire struct {
	GuildID    string        `json:"guild_id" validate:"required,ulid"`
	Name       string        `json:"name" validate:"required,max=100"`
	Visibility string        `json:"visibility" validate:"required,oneof=public private"`
	OwnerID    string        `json:"owner_id" validate:"required,ulid"`
	Channels   []channelWire `json:"channels" validate:"required,dive"`
	Roles      []roleWire    `json:"roles" validate:"required,dive"`
	Members    []string      `json:"members" validate:"required,dive,ulid"`
}

type channelWire struct {
	ChannelID string `json:"channel_id" validate:"required,ulid"`
	Name      string `json:"name" validate:"required,max=100"`
	Kind      string `json:"kind" validate:"required,oneof=text voice"`
	Position  *int64 `json:"position" validate:"required,min=0"`
}

type roleWire struct {
	RoleID      string `json:"role_id" validate:"required,ulid"`
	Name        string `json:"name" validate:"required,max=100"`
	Color       string `json:"color" validate:"required,rgbhex"`
	Position    *int64 `json:"position" validate:"required,gt=0"`
	Permissions *int64 `json:"permissions" validate:"required,min=0"`
}

type attachmentWire struct {
	AttachmentID string `json:"attachment_id" validate:"required,ulid"`
	Filename     string `json:"filename" validate:"required,max=255"`
	MimeType     string `json:"mime_type" validate:"max=255"`
	SizeBytes    *int64 `json:"size_bytes" validate:"required,min=0"`
}

type participantWire struct {
	UserID           string `json:"user_id" validate:"required,ulid"`
	Identity         string `json:"identity" validate:"required,max=256"`
	JoinedAtUnix     *int64 `json:"joined_at_unix" validate:"required,min=0"`
	Muted            bool   `json:"muted"`
	Deafened         bool   `json:"deafened"`
	PublishingAudio  bool   `json:"publishing_audio"`
	PublishingVideo  bool   `json:"publishing_video"`
	PublishingScreen bool   `json:"publishing_screen"`
}

type voiceScopeWire struct {
	GuildID   string `json:"guild_id" validate:"required,ulid"`
	ChannelID string `json:"channel_id" validate:"required,ulid"`
}

func (w voiceScopeWire) key() model.VoiceKey {
	return model.VoiceKey{GuildID: model.GuildID(w.GuildID), ChannelID: model.ChannelID(w.ChannelID)}
}

type readyWire struct {
	UserID string      `json:"user_id" validate:"required,ulid"`
	Guilds []guildWire `json:"guilds" validate:"required,dive"`
}

type subscribedWire struct {
	GuildID    string   `json:"guild_id" validate:"required,ulid"`
	ChannelIDs []string `json:"channel_ids" validate:"required,dive,ulid"`
}

type messageCreateWire struct {
	MessageID      string           `json:"message_id" validate:"required,ulid"`
	GuildID        string           `json:"guild_id" validate:"required,ulid"`
	ChannelID      string           `json:"channel_id" validate:"required,ulid"`
	AuthorID       string           `json:"author_id" validate:"required,ulid"`
	Content        *string          `json:"content" validate:"required,max=4000"`
	MarkdownTokens json.RawMessage  `json:"markdown_tokens"`
	CreatedAtUnix  *int64           `json:"created_at_unix" validate:"required,min=0"`
	Attachments    []attachmentWire `json:"attachments" validate:"omitempty,max=32,dive"`
}

type messageFieldsWire struct {
	Content        *string         `json:"content" validate:"omitnil,max=4000"`
	MarkdownTokens json.RawMessage `json:"markdown_tokens"`
	EditedAtUnix   *int64          `json:"edited_at_unix" validate:"omitnil,min=0"`
}

type messageUpdateWire struct {
	MessageID     string             `json:"message_id" validate:"required,ulid"`
	GuildID       string             `json:"guild_id" validate:"required,ulid"`
	ChannelID     string             `json:"channel_id" validate:"required,ulid"`
	UpdatedFields *messageFieldsWire `json:"updated_fields" validate:"required"`
}

type messageDeleteWire struct {
	MessageID     string `json:"message_id" validate:"required,ulid"`
	GuildID       string `json:"guild_id" validate:"required,ulid"`
	ChannelID     string `json:"channel_id" validate:"required,ulid"`
	DeletedAtUnix *int64 `json:"deleted_at_unix" validate:"required,gt=0"`
}

type messageReactionWire struct {
	MessageID string `json:"message_id" validate:"required,ulid"`
	GuildID   string `json:"guild_id" validate:"required,ulid"`
	ChannelID string `json:"channel_id" validate:"required,ulid"`
	Emoji     string `json:"emoji" validate:"required,max=64"`
	Count     *int   `json:"count" validate:"required,min=0"`
	UserID    string `json:"user_id" validate:"required,ulid"`
	Action    string `json:"action" validate:"required,oneof=add remove"`
}

type presenceSyncWire struct {
	GuildID string   `json:"guild_id" validate:"required,ulid"`
	UserIDs []string `json:"user_ids" validate:"required,dive,ulid"`
}

type presenceUpdateWire struct {
	GuildID string `json:"guild_id" validate:"required,ulid"`
	UserID  string `json:"user_id" validate:"required,ulid"`
	Status  string `json:"status" validate:"required,oneof=online idle dnd offline"`
}

type workspaceFieldsWire struct {
	Name       *string `json:"name" validate:"omitnil,min=1,max=100"`
	Visibility *string `json:"visibility" validate:"omitnil,oneof=public private"`
}

type workspaceUpdateWire struct {
	GuildID       string               `json:"guild_id" validate:"required,ulid"`
	UpdatedFields *workspaceFieldsWire `json:"updated_fields" validate:"required"`
}

type roleCreateWire struct {
	GuildID string    `json:"guild_id" validate:"required,ulid"`
	Role    *roleWire `json:"role" validate:"required"`
}

type roleFieldsWire struct {
	Name        *string `json:"name" validate:"omitnil,min=1,max=100"`
	Color       *string `json:"color" validate:"omitnil,rgbhex"`
	Position    *int64  `json:"position" validate:"omitnil,gt=0"`
	Permissions *int64  `json:"permissions" validate:"omitnil,min=0"`
}

type roleUpdateWire struct {
	GuildID       string          `json:"guild_id" validate:"required,ulid"`
	RoleID        string          `json:"role_id" validate:"required,ulid"`
	UpdatedFields *roleFieldsWire `json:"updated_fields" validate:"required"`
}

type roleDeleteWire struct {
	GuildID string `json:"guild_id" validate:"required,ulid"`
	RoleID  string `json:"role_id" validate:"required,ulid"`
}

type memberRemoveWire struct {
	GuildID string `json:"guild_id" validate:"required,ulid"`
	UserID  string `json:"user_id" validate:"required,ulid"`
}

type channelCreateWire struct {
	GuildID string       `json:"guild_id" validate:"required,ulid"`
	Channel *channelWire `json:"channel" validate:"required"`
}

type channelDeleteWire struct {
	GuildID   string `json:"guild_id" validate:"required,ulid"`
	ChannelID string `json:"channel_id" validate:"required,ulid"`
}

type voiceSyncWire struct {
	voiceScopeWire
	Participants []participantWire `json:"participants" validate:"required,dive"`
}

type voiceJoinWire struct {
	voiceScopeWire
	Participant *participantWire `json:"participant" validate:"required"`
}

type voiceFieldsWire struct {
	Muted    *bool `json:"muted"`
	Deafened *bool `json:"deafened"`
}

type voiceUpdateWire struct {
	voiceScopeWire
	UserID        string           `json:"user_id" validate:"required,ulid"`
	Identity      string           `json:"identity" validate:"required,max=256"`
	UpdatedFields *voiceFieldsWire `json:"updated_fields" validate:"required"`
}

type voiceLeaveWire struct {
	voiceScopeWire
	UserID   string `json:"user_id" validate:"required,ulid"`
	Identity string `json:"identity" validate:"required,max=256"`
}

type streamWire struct {
	voiceScopeWire
	UserID   string `json:"user_id" validate:"required,ulid"`
	Identity string `json:"identity" validate:"required,max=256"`
	Kind     string `json:"kind" validate:"required,oneof=audio video screen"`
}

type profileUpdateWire struct {
	UserID      string  `json:"user_id" validate:"required,ulid"`
	Username    *string `json:"username" validate:"omitnil,min=1,max=64"`
	DisplayName *string `json:"display_name" validate:"omitnil,max=64"`
}

type avatarUpdateWire struct {
	UserID    string  `json:"user_id" validate:"required,ulid"`
	AvatarURL *string `json:"avatar_url" validate:"required,max=2048"`
}

func (w guildWire) toModel() model.Guild {
	g := model.Guild{
		ID:         model.GuildID(w.GuildID),
		Name:       w.Name,
		Visibility: model.Visibility(w.Visibility),
		OwnerID:    model.UserID(w.OwnerID),
		Channels:   make([]model.Channel, 0, len(w.Channels)),
		Roles:      make([]model.Role, 0, len(w.Roles)),
		Members:    make([]model.UserID, 0, len(w.Members)),
	}
	for _, c := range w.Channels {
		g.Channels = append(g.Channels, c.toModel(g.ID))
	}
	for _, r := range w.Roles {
		g.Roles = append(g.Roles, r.toModel())
	}
	for _, m := range w.Members {
		g.Members = append(g.Members, model.UserID(m))
	}
	return g
}

func (w channelWire) toModel(guild model.GuildID) model.Channel {
	return model.Channel{
		ID:       model.ChannelID(w.ChannelID),
		GuildID:  guild,
		Name:     w.Name,
		Kind:     model.ChannelKind(w.Kind),
		Position: *w.Position,
	}
}

func (w roleWire) toModel() model.Role {
	return model.Role{
		ID:          model.RoleID(w.RoleID),
		Name:        w.Name,
		Color:       NormalizeColor(w.Color),
		Position:    *w.Position,
		Permissions: *w.Permissions,
	}
}

func (w participantWire) toModel() model.VoiceParticipant {
	return model.VoiceParticipant{
		UserID:           model.UserID(w.UserID),
		Identity:         w.Identity,
		JoinedAtUnix:     *w.JoinedAtUnix,
		Muted:            w.Muted,
		Deafened:         w.Deafened,
		PublishingAudio:  w.PublishingAudio,
		PublishingVideo:  w.PublishingVideo,
		PublishingScreen: w.PublishingScreen,
	}
}

// uniqueGuildChannels rejects snapshots that list the same channel twice.
func uniqueGuildChannels(w guildWire) bool {
	seen := make(map[string]struct{}, len(w.Channels))
	for _, c := range w.Channels {
		if _, dup := seen[c.ChannelID]; dup {
			return false
		}
		seen[c.ChannelID] = struct{}{}
	}
	return true
}
