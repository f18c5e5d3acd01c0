package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Gopher0727/chatsync/internal/model"
)

var (
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrInvalidPayload    = errors.New("invalid event payload")
)

// Envelope is the outer frame the gateway sends: {"type": ..., "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEnvelope splits a raw frame into its type and payload.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Decode validates one payload against the schema of eventType. It never
// panics; any schema violation or unknown type yields (nil, false).
func Decode(eventType string, raw json.RawMessage) (Event, bool) {
	ev, err := DecodeDetailed(eventType, raw)
	return ev, err == nil
}

// DecodeFrame parses and decodes a whole frame.
func DecodeFrame(frame []byte) (Event, error) {
	env, err := ParseEnvelope(frame)
	if err != nil {
		return nil, err
	}
	return DecodeDetailed(env.Type, env.Payload)
}

// DecodeDetailed is Decode with the rejection reason, for logging and metrics.
func DecodeDetailed(eventType string, raw json.RawMessage) (Event, error) {
	switch Kind(eventType) {
	case KindReady:
		return decodeAs(raw, func(w *readyWire) (Event, bool) {
			guilds, ok := convertGuilds(w.Guilds)
			if !ok {
				return nil, false
			}
			return Ready{SelfID: model.UserID(w.UserID), Guilds: guilds}, true
		})
	case KindSubscribed:
		return decodeAs(raw, func(w *subscribedWire) (Event, bool) {
			ids := make([]model.ChannelID, 0, len(w.ChannelIDs))
			for _, id := range w.ChannelIDs {
				ids = append(ids, model.ChannelID(id))
			}
			return Subscribed{GuildID: model.GuildID(w.GuildID), ChannelIDs: ids}, true
		})
	case KindMessageCreate:
		return decodeAs(raw, func(w *messageCreateWire) (Event, bool) {
			if !validTokens(w.MarkdownTokens) {
				return nil, false
			}
			msg := model.Message{
				ID:             model.MessageID(w.MessageID),
				GuildID:        model.GuildID(w.GuildID),
				ChannelID:      model.ChannelID(w.ChannelID),
				AuthorID:       model.UserID(w.AuthorID),
				Content:        *w.Content,
				MarkdownTokens: w.MarkdownTokens,
				CreatedAtUnix:  *w.CreatedAtUnix,
			}
			for _, a := range w.Attachments {
				msg.Attachments = append(msg.Attachments, model.Attachment{
					ID:        model.AttachmentID(a.AttachmentID),
					Filename:  a.Filename,
					MimeType:  a.MimeType,
					SizeBytes: *a.SizeBytes,
				})
			}
			return MessageCreate{Message: msg}, true
		})
	case KindMessageUpdate:
		return decodeAs(raw, func(w *messageUpdateWire) (Event, bool) {
			f := w.UpdatedFields
			if !validTokens(f.MarkdownTokens) {
				return nil, false
			}
			return MessageUpdate{
				GuildID:   model.GuildID(w.GuildID),
				ChannelID: model.ChannelID(w.ChannelID),
				MessageID: model.MessageID(w.MessageID),
				Fields: MessageFields{
					Content:        f.Content,
					MarkdownTokens: f.MarkdownTokens,
					EditedAtUnix:   f.EditedAtUnix,
				},
			}, true
		})
	case KindMessageDelete:
		return decodeAs(raw, func(w *messageDeleteWire) (Event, bool) {
			return MessageDelete{
				GuildID:       model.GuildID(w.GuildID),
				ChannelID:     model.ChannelID(w.ChannelID),
				MessageID:     model.MessageID(w.MessageID),
				DeletedAtUnix: *w.DeletedAtUnix,
			}, true
		})
	case KindMessageReaction:
		return decodeAs(raw, func(w *messageReactionWire) (Event, bool) {
			return MessageReaction{
				GuildID:   model.GuildID(w.GuildID),
				ChannelID: model.ChannelID(w.ChannelID),
				MessageID: model.MessageID(w.MessageID),
				Emoji:     w.Emoji,
				Count:     *w.Count,
				ActorID:   model.UserID(w.UserID),
				Action:    ReactionAction(w.Action),
			}, true
		})
	case KindPresenceSync:
		return decodeAs(raw, func(w *presenceSyncWire) (Event, bool) {
			ids := make([]model.UserID, 0, len(w.UserIDs))
			for _, id := range w.UserIDs {
				ids = append(ids, model.UserID(id))
			}
			return PresenceSync{GuildID: model.GuildID(w.GuildID), UserIDs: ids}, true
		})
	case KindPresenceUpdate:
		return decodeAs(raw, func(w *presenceUpdateWire) (Event, bool) {
			return PresenceUpdate{
				GuildID: model.GuildID(w.GuildID),
				UserID:  model.UserID(w.UserID),
				Status:  model.PresenceStatus(w.Status),
			}, true
		})
	case KindWorkspaceUpdate:
		return decodeAs(raw, func(w *workspaceUpdateWire) (Event, bool) {
			fields := WorkspaceFields{Name: w.UpdatedFields.Name}
			if v := w.UpdatedFields.Visibility; v != nil {
				vis := model.Visibility(*v)
				fields.Visibility = &vis
			}
			return WorkspaceUpdate{GuildID: model.GuildID(w.GuildID), Fields: fields}, true
		})
	case KindRoleCreate:
		return decodeAs(raw, func(w *roleCreateWire) (Event, bool) {
			return RoleCreate{GuildID: model.GuildID(w.GuildID), Role: w.Role.toModel()}, true
		})
	case KindRoleUpdate:
		return decodeAs(raw, func(w *roleUpdateWire) (Event, bool) {
			f := w.UpdatedFields
			fields := RoleFields{Name: f.Name, Position: f.Position, Permissions: f.Permissions}
			if f.Color != nil {
				c := NormalizeColor(*f.Color)
				fields.Color = &c
			}
			return RoleUpdate{
				GuildID: model.GuildID(w.GuildID),
				RoleID:  model.RoleID(w.RoleID),
				Fields:  fields,
			}, true
		})
	case KindRoleDelete:
		return decodeAs(raw, func(w *roleDeleteWire) (Event, bool) {
			return RoleDelete{GuildID: model.GuildID(w.GuildID), RoleID: model.RoleID(w.RoleID)}, true
		})
	case KindMemberRemove:
		return decodeAs(raw, func(w *memberRemoveWire) (Event, bool) {
			return MemberRemove{GuildID: model.GuildID(w.GuildID), UserID: model.UserID(w.UserID)}, true
		})
	case KindChannelCreate:
		return decodeAs(raw, func(w *channelCreateWire) (Event, bool) {
			return ChannelCreate{Channel: w.Channel.toModel(model.GuildID(w.GuildID))}, true
		})
	case KindChannelDelete:
		return decodeAs(raw, func(w *channelDeleteWire) (Event, bool) {
			return ChannelDelete{GuildID: model.GuildID(w.GuildID), ChannelID: model.ChannelID(w.ChannelID)}, true
		})
	case KindVoiceSync:
		return decodeAs(raw, func(w *voiceSyncWire) (Event, bool) {
			ps := make([]model.VoiceParticipant, 0, len(w.Participants))
			for _, p := range w.Participants {
				ps = append(ps, p.toModel())
			}
			return VoiceSync{Key: w.key(), Participants: ps}, true
		})
	case KindVoiceJoin:
		return decodeAs(raw, func(w *voiceJoinWire) (Event, bool) {
			return VoiceJoin{Key: w.key(), Participant: w.Participant.toModel()}, true
		})
	case KindVoiceUpdate:
		return decodeAs(raw, func(w *voiceUpdateWire) (Event, bool) {
			return VoiceUpdate{
				Key:      w.key(),
				UserID:   model.UserID(w.UserID),
				Identity: w.Identity,
				Fields: VoiceFields{
					Muted:    w.UpdatedFields.Muted,
					Deafened: w.UpdatedFields.Deafened,
				},
			}, true
		})
	case KindVoiceLeave:
		return decodeAs(raw, func(w *voiceLeaveWire) (Event, bool) {
			return VoiceLeave{Key: w.key(), UserID: model.UserID(w.UserID), Identity: w.Identity}, true
		})
	case KindStreamPublish:
		return decodeAs(raw, func(w *streamWire) (Event, bool) {
			return StreamPublish{
				Key:      w.key(),
				UserID:   model.UserID(w.UserID),
				Identity: w.Identity,
				Stream:   model.StreamKind(w.Kind),
			}, true
		})
	case KindStreamUnpublish:
		return decodeAs(raw, func(w *streamWire) (Event, bool) {
			return StreamUnpublish{
				Key:      w.key(),
				UserID:   model.UserID(w.UserID),
				Identity: w.Identity,
				Stream:   model.StreamKind(w.Kind),
			}, true
		})
	case KindProfileUpdate:
		return decodeAs(raw, func(w *profileUpdateWire) (Event, bool) {
			return ProfileUpdate{
				UserID:      model.UserID(w.UserID),
				Username:    w.Username,
				DisplayName: w.DisplayName,
			}, true
		})
	case KindAvatarUpdate:
		return decodeAs(raw, func(w *avatarUpdateWire) (Event, bool) {
			return AvatarUpdate{UserID: model.UserID(w.UserID), AvatarURL: *w.AvatarURL}, true
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

// DecodeGuilds validates a guild list from a REST workspace snapshot with the
// same rules the ready event uses.
func DecodeGuilds(raw json.RawMessage) ([]model.Guild, error) {
	var wire []guildWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if wire == nil {
		return nil, fmt.Errorf("%w: guild list is null", ErrInvalidPayload)
	}
	if err := validate.Var(wire, "dive"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	guilds, ok := convertGuilds(wire)
	if !ok {
		return nil, fmt.Errorf("%w: duplicate channel id", ErrInvalidPayload)
	}
	return guilds, nil
}

func convertGuilds(wire []guildWire) ([]model.Guild, bool) {
	guilds := make([]model.Guild, 0, len(wire))
	seen := make(map[string]struct{}, len(wire))
	for _, g := range wire {
		if _, dup := seen[g.GuildID]; dup || !uniqueGuildChannels(g) {
			return nil, false
		}
		seen[g.GuildID] = struct{}{}
		guilds = append(guilds, g.toModel())
	}
	return guilds, true
}

// decodeAs unmarshals raw into W, validates it and hands it to convert.
func decodeAs[W any](raw json.RawMessage, convert func(*W) (Event, bool)) (Event, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	w := new(W)
	if err := json.Unmarshal(raw, w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev, ok := convert(w)
	if !ok {
		return nil, ErrInvalidPayload
	}
	return ev, nil
}
