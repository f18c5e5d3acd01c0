package reconcile

import (
	"slices"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

// updateGuild applies fn to the guild with the given id. fn reports whether
// it changed anything; if not, or the guild is unknown, guilds is returned.
func updateGuild(guilds []model.Guild, id model.GuildID, fn func(*model.Guild) bool) []model.Guild {
	i := slices.IndexFunc(guilds, func(g model.Guild) bool { return g.ID == id })
	if i < 0 {
		return guilds
	}
	g := guilds[i]
	if !fn(&g) {
		return guilds
	}
	out := slices.Clone(guilds)
	out[i] = g
	return out
}

// FindGuild returns the guild with the given id.
func FindGuild(guilds []model.Guild, id model.GuildID) (model.Guild, bool) {
	i := slices.IndexFunc(guilds, func(g model.Guild) bool { return g.ID == id })
	if i < 0 {
		return model.Guild{}, false
	}
	return guilds[i], true
}

// ApplyChannelCreate appends the channel unless one with the same id exists,
// so at-least-once delivery cannot duplicate it.
func ApplyChannelCreate(guilds []model.Guild, ev event.ChannelCreate) []model.Guild {
	return updateGuild(guilds, ev.Channel.GuildID, func(g *model.Guild) bool {
		if g.HasChannel(ev.Channel.ID) {
			return false
		}
		g.Channels = append(slices.Clip(g.Channels), ev.Channel)
		return true
	})
}

func ApplyChannelDelete(guilds []model.Guild, ev event.ChannelDelete) []model.Guild {
	return updateGuild(guilds, ev.GuildID, func(g *model.Guild) bool {
		i := slices.IndexFunc(g.Channels, func(c model.Channel) bool { return c.ID == ev.ChannelID })
		if i < 0 {
			return false
		}
		g.Channels = slices.Delete(slices.Clone(g.Channels), i, i+1)
		return true
	})
}

// ApplyWorkspaceUpdate merges name and visibility; channels are untouched.
func ApplyWorkspaceUpdate(guilds []model.Guild, ev event.WorkspaceUpdate) []model.Guild {
	return updateGuild(guilds, ev.GuildID, func(g *model.Guild) bool {
		changed := false
		if n := ev.Fields.Name; n != nil && *n != g.Name {
			g.Name, changed = *n, true
		}
		if v := ev.Fields.Visibility; v != nil && *v != g.Visibility {
			g.Visibility, changed = *v, true
		}
		return changed
	})
}

// ApplyRoleCreate inserts the role, or replaces a role with the same id.
func ApplyRoleCreate(guilds []model.Guild, ev event.RoleCreate) []model.Guild {
	return updateGuild(guilds, ev.GuildID, func(g *model.Guild) bool {
		i := slices.IndexFunc(g.Roles, func(r model.Role) bool { return r.ID == ev.Role.ID })
		if i >= 0 {
			if g.Roles[i] == ev.Role {
				return false
			}
			g.Roles = slices.Clone(g.Roles)
			g.Roles[i] = ev.Role
			return true
		}
		g.Roles = append(slices.Clip(g.Roles), ev.Role)
		return true
	})
}

func ApplyRoleUpdate(guilds []model.Guild, ev event.RoleUpdate) []model.Guild {
	return updateGuild(guilds, ev.GuildID, func(g *model.Guild) bool {
		i := slices.IndexFunc(g.Roles, func(r model.Role) bool { return r.ID == ev.RoleID })
		if i < 0 {
			return false
		}
		r := g.Roles[i]
		f := ev.Fields
		if f.Name != nil {
			r.Name = *f.Name
		}
		if f.Color != nil {
			r.Color = *f.Color
		}
		if f.Position != nil {
			r.Position = *f.Position
		}
		if f.Permissions != nil {
			r.Permissions = *f.Permissions
		}
		if r == g.Roles[i] {
			return false
		}
		g.Roles = slices.Clone(g.Roles)
		g.Roles[i] = r
		return true
	})
}

func ApplyRoleDelete(guilds []model.Guild, ev event.RoleDelete) []model.Guild {
	return updateGuild(guilds, ev.GuildID, func(g *model.Guild) bool {
		i := slices.IndexFunc(g.Roles, func(r model.Role) bool { return r.ID == ev.RoleID })
		if i < 0 {
			return false
		}
		g.Roles = slices.Delete(slices.Clone(g.Roles), i, i+1)
		return true
	})
}

// ApplyMemberRemove drops a member from the guild. When the removed member is
// the local user the guild itself disappears, exactly as LeaveGuild does.
func ApplyMemberRemove(guilds []model.Guild, ev event.MemberRemove, self model.UserID) []model.Guild {
	if self != "" && ev.UserID == self {
		return LeaveGuild(guilds, ev.GuildID)
	}
	return updateGuild(guilds, ev.GuildID, func(g *model.Guild) bool {
		i := slices.Index(g.Members, ev.UserID)
		if i < 0 {
			return false
		}
		g.Members = slices.Delete(slices.Clone(g.Members), i, i+1)
		return true
	})
}

// LeaveGuild removes the guild from the local workspace list.
func LeaveGuild(guilds []model.Guild, id model.GuildID) []model.Guild {
	i := slices.IndexFunc(guilds, func(g model.Guild) bool { return g.ID == id })
	if i < 0 {
		return guilds
	}
	return slices.Delete(slices.Clone(guilds), i, i+1)
}
