package state

import (
	"maps"

	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/reconcile"
)

// BeginReaction records an optimistic add (reacted=true) or remove for the
// local user. The overlay stays until the server echoes the change or
// FailReaction is called.
func (s *Store) BeginReaction(msg model.MessageID, emoji string, reacted bool) bool {
	key := model.ReactionKey(msg, emoji)
	return s.update(func(st *State) bool {
		return setReactions(st, reconcile.AddPendingReaction(st.Reactions, key, reacted))
	})
}

// FailReaction drops the optimistic overlay after the request was rejected.
func (s *Store) FailReaction(msg model.MessageID, emoji string) bool {
	key := model.ReactionKey(msg, emoji)
	return s.update(func(st *State) bool {
		return setReactions(st, reconcile.ClearPendingReaction(st.Reactions, key))
	})
}

// MergeUsernames copies resolved names into the state. Existing names for
// other users are kept.
func (s *Store) MergeUsernames(names map[model.UserID]string) bool {
	return s.update(func(st *State) bool {
		var out map[model.UserID]string
		for id, name := range names {
			if cur, ok := st.Usernames[id]; ok && cur == name {
				continue
			}
			if out == nil {
				out = make(map[model.UserID]string, len(st.Usernames)+len(names))
				maps.Copy(out, st.Usernames)
			}
			out[id] = name
		}
		if out == nil {
			return false
		}
		st.Usernames = out
		return true
	})
}

// ForgetUsernames removes names, e.g. after the cache invalidated them.
func (s *Store) ForgetUsernames(ids ...model.UserID) bool {
	return s.update(func(st *State) bool {
		changed := false
		for _, id := range ids {
			if _, ok := st.Usernames[id]; ok {
				st.Usernames = withoutKey(st.Usernames, id)
				changed = true
			}
		}
		return changed
	})
}

// SetPreviewStatus moves an attachment between the preview sets. PreviewIdle
// removes it from all of them.
func (s *Store) SetPreviewStatus(id model.AttachmentID, status model.PreviewStatus) {
	s.update(func(st *State) bool {
		if st.PreviewStatus(id) == status {
			return false
		}
		st.PreviewLoading = setMember(st.PreviewLoading, id, status == model.PreviewLoading)
		st.PreviewLoaded = setMember(st.PreviewLoaded, id, status == model.PreviewLoaded)
		st.PreviewFailed = setMember(st.PreviewFailed, id, status == model.PreviewFailed)
		return true
	})
}

func setMember(m map[model.AttachmentID]struct{}, id model.AttachmentID, in bool) map[model.AttachmentID]struct{} {
	if has(m, id) == in {
		return m
	}
	if in {
		return withKey(m, id, struct{}{})
	}
	return withoutKey(m, id)
}

// ResetScope clears the online set of a guild. The gateway calls it when
// the active channel became inaccessible and the stream was torn down.
func (s *Store) ResetScope(guild model.GuildID) bool {
	changed := s.update(func(st *State) bool {
		if _, ok := st.Presence[guild]; !ok {
			return false
		}
		st.Presence = withoutKey(st.Presence, guild)
		return true
	})
	if changed {
		s.log.Debug("scope reset", zap.String("guild_id", string(guild)))
	}
	return changed
}

// LeaveGuild removes a guild locally with the same effect as being removed
// from it by the server.
func (s *Store) LeaveGuild(guild model.GuildID) bool {
	return s.update(func(st *State) bool {
		return leaveGuild(st, guild)
	})
}

// MergeHistory folds an older page of a channel into its message list.
func (s *Store) MergeHistory(channel model.ChannelID, older []model.Message) bool {
	if len(older) == 0 {
		return false
	}
	return s.update(func(st *State) bool {
		return setMessages(st, channel, reconcile.MergeHistory(st.Messages[channel], older))
	})
}

// LoadSnapshot seeds the workspace from local storage before the gateway
// delivers ready. It never overrides a workspace that is already known.
func (s *Store) LoadSnapshot(self model.UserID, guilds []model.Guild) bool {
	return s.update(func(st *State) bool {
		if len(st.Guilds) > 0 {
			return false
		}
		changed := false
		if st.SelfID == "" && self != "" {
			st.SelfID = self
			changed = true
		}
		if len(guilds) > 0 {
			st.Guilds = guilds
			changed = true
		}
		return changed
	})
}

// SetSelf records the local user id learned outside the gateway.
func (s *Store) SetSelf(self model.UserID) bool {
	return s.update(func(st *State) bool {
		if st.SelfID == self {
			return false
		}
		st.SelfID = self
		return true
	})
}
