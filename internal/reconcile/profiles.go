package reconcile

import (
	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

// Profiles maps user ids to what the gateway told us about them.
type Profiles map[model.UserID]model.Profile

func ApplyProfileUpdate(p Profiles, ev event.ProfileUpdate) Profiles {
	cur, ok := p[ev.UserID]
	next := cur
	next.UserID = ev.UserID
	if ev.Username != nil {
		next.Username = *ev.Username
	}
	if ev.DisplayName != nil {
		next.DisplayName = *ev.DisplayName
	}
	if ok && next == cur {
		return p
	}
	out := cloneOrNew(p)
	out[ev.UserID] = next
	return out
}

func ApplyAvatarUpdate(p Profiles, ev event.AvatarUpdate) Profiles {
	cur, ok := p[ev.UserID]
	if ok && cur.AvatarURL == ev.AvatarURL {
		return p
	}
	next := cur
	next.UserID = ev.UserID
	next.AvatarURL = ev.AvatarURL
	out := cloneOrNew(p)
	out[ev.UserID] = next
	return out
}
