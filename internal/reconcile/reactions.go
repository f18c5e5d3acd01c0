package reconcile

import (
	"maps"
	"strings"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

// ReactionState keeps server-confirmed reactions apart from the local
// optimistic overlay. Pending maps a reaction key to the reacted flag the
// local user asked for and is cleared when the server answers.
type ReactionState struct {
	Confirmed map[string]model.Reaction `json:"confirmed"`
	Pending   map[string]bool           `json:"pending"`
}

// View combines both layers into what the UI shows. Entries whose count
// drops to zero are left out.
func (rs ReactionState) View() map[string]model.Reaction {
	out := make(map[string]model.Reaction, len(rs.Confirmed)+len(rs.Pending))
	maps.Copy(out, rs.Confirmed)

	for key, want := range rs.Pending {
		r := out[key]
		switch {
		case want && !r.Reacted:
			r.Count++
			r.Reacted = true
		case !want && r.Reacted:
			r.Count--
			r.Reacted = false
		}
		if r.Count <= 0 {
			delete(out, key)
			continue
		}
		out[key] = r
	}
	return out
}

// ApplyReactionUpdate takes the server count as authoritative. The local
// reacted flag carries over from the previous confirmed value unless the
// event was caused by the local user, in which case it also settles the
// pending overlay. A count of zero drops the entry and any pending intent:
// nobody can be "reacted" to an emoji that has no reactions.
func ApplyReactionUpdate(rs ReactionState, ev event.MessageReaction, self model.UserID) ReactionState {
	key := model.ReactionKey(ev.MessageID, ev.Emoji)

	if ev.Count == 0 {
		_, inConfirmed := rs.Confirmed[key]
		_, inPending := rs.Pending[key]
		if !inConfirmed && !inPending {
			return rs
		}
		return ReactionState{
			Confirmed: without(rs.Confirmed, key),
			Pending:   without(rs.Pending, key),
		}
	}

	prev, existed := rs.Confirmed[key]
	reacted := prev.Reacted
	pending := rs.Pending
	if self != "" && ev.ActorID == self {
		reacted = ev.Action == event.ReactionAdd
		pending = without(rs.Pending, key)
	}

	next := model.Reaction{Count: ev.Count, Reacted: reacted}
	if existed && prev == next && len(pending) == len(rs.Pending) {
		return rs
	}

	confirmed := cloneOrNew(rs.Confirmed)
	confirmed[key] = next
	return ReactionState{Confirmed: confirmed, Pending: pending}
}

// AddPendingReaction records an optimistic add (reacted=true) or remove.
func AddPendingReaction(rs ReactionState, key string, reacted bool) ReactionState {
	if cur, ok := rs.Pending[key]; ok && cur == reacted {
		return rs
	}
	pending := cloneOrNew(rs.Pending)
	pending[key] = reacted
	return ReactionState{Confirmed: rs.Confirmed, Pending: pending}
}

// ClearPendingReaction drops the optimistic overlay for key, e.g. when the
// request that created it failed.
func ClearPendingReaction(rs ReactionState, key string) ReactionState {
	if _, ok := rs.Pending[key]; !ok {
		return rs
	}
	return ReactionState{Confirmed: rs.Confirmed, Pending: without(rs.Pending, key)}
}

// PurgeMessageReactions removes every key of one message. Matching is by
// the "messageID|" prefix so other messages with the same emoji survive.
func PurgeMessageReactions(rs ReactionState, id model.MessageID) ReactionState {
	prefix := string(id) + "|"
	match := func(k string, _ model.Reaction) bool { return strings.HasPrefix(k, prefix) }
	matchPending := func(k string, _ bool) bool { return strings.HasPrefix(k, prefix) }

	if !anyKey(rs.Confirmed, match) && !anyKey(rs.Pending, matchPending) {
		return rs
	}
	confirmed := maps.Clone(rs.Confirmed)
	maps.DeleteFunc(confirmed, match)
	pending := maps.Clone(rs.Pending)
	maps.DeleteFunc(pending, matchPending)
	return ReactionState{Confirmed: confirmed, Pending: pending}
}

func anyKey[V any](m map[string]V, pred func(string, V) bool) bool {
	for k, v := range m {
		if pred(k, v) {
			return true
		}
	}
	return false
}

func without[V any](m map[string]V, key string) map[string]V {
	if _, ok := m[key]; !ok {
		return m
	}
	out := maps.Clone(m)
	delete(out, key)
	return out
}

func cloneOrNew[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return maps.Clone(m)
}
