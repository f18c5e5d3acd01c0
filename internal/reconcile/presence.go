package reconcile

import (
	"maps"
	"slices"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

// PresenceSet is the set of online user ids in one guild.
type PresenceSet map[model.UserID]struct{}

// NewPresenceSet builds a set from ids.
func NewPresenceSet(ids ...model.UserID) PresenceSet {
	set := make(PresenceSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s PresenceSet) Has(id model.UserID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in sorted order.
func (s PresenceSet) IDs() []model.UserID {
	return slices.Sorted(maps.Keys(s))
}

// ApplyPresenceUpdate adds the user when the status is online and removes
// it for any other status. Both directions are idempotent.
func ApplyPresenceUpdate(set PresenceSet, ev event.PresenceUpdate) PresenceSet {
	online := ev.Status == model.StatusOnline
	if set.Has(ev.UserID) == online {
		return set
	}
	out := cloneOrNew(set)
	if online {
		out[ev.UserID] = struct{}{}
	} else {
		delete(out, ev.UserID)
	}
	return out
}

// ApplyPresenceSync replaces the set wholesale.
func ApplyPresenceSync(ev event.PresenceSync) PresenceSet {
	return NewPresenceSet(ev.UserIDs...)
}
