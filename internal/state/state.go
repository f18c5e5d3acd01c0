// Package state owns the single reconciled view of the workspace.
//
// A State value is an immutable snapshot: every write goes through Store,
// which runs the reconcile reducers under its lock, swaps in the new
// snapshot, bumps the version and notifies subscribers. Readers may keep a
// State for as long as they like; nothing reachable from it is mutated.
package state

import (
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/reconcile"
)

type State struct {
	Version uint64       `json:"version"`
	SelfID  model.UserID `json:"self_id"`

	Guilds []model.Guild `json:"guilds"`
	// Subscriptions is the channel set the gateway last confirmed per guild.
	Subscriptions map[model.GuildID][]model.ChannelID `json:"subscriptions"`

	Messages  map[model.ChannelID][]model.Message     `json:"messages"`
	Reactions reconcile.ReactionState                 `json:"reactions"`
	Presence  map[model.GuildID]reconcile.PresenceSet `json:"-"`
	Voice     reconcile.Roster                        `json:"-"`
	Profiles  reconcile.Profiles                      `json:"profiles"`

	// Usernames holds resolved display names merged from the username cache.
	Usernames map[model.UserID]string `json:"usernames"`

	PreviewLoading map[model.AttachmentID]struct{} `json:"-"`
	PreviewLoaded  map[model.AttachmentID]struct{} `json:"-"`
	PreviewFailed  map[model.AttachmentID]struct{} `json:"-"`
}

// ChannelMessages returns the ordered message list of one channel.
func (s State) ChannelMessages(id model.ChannelID) []model.Message {
	return s.Messages[id]
}

// ReactionView is the combined confirmed and pending reaction map.
func (s State) ReactionView() map[string]model.Reaction {
	return s.Reactions.View()
}

// OnlineUsers returns the sorted online set of one guild.
func (s State) OnlineUsers(guild model.GuildID) []model.UserID {
	return s.Presence[guild].IDs()
}

// Accessible reports whether channel is still listed under guild.
func (s State) Accessible(guild model.GuildID, channel model.ChannelID) bool {
	g, ok := reconcile.FindGuild(s.Guilds, guild)
	return ok && g.HasChannel(channel)
}

// PreviewStatus reports where the preview of one attachment stands.
func (s State) PreviewStatus(id model.AttachmentID) model.PreviewStatus {
	switch {
	case has(s.PreviewLoading, id):
		return model.PreviewLoading
	case has(s.PreviewLoaded, id):
		return model.PreviewLoaded
	case has(s.PreviewFailed, id):
		return model.PreviewFailed
	default:
		return model.PreviewIdle
	}
}

func has[K comparable](m map[K]struct{}, k K) bool {
	_, ok := m[k]
	return ok
}
