package reconcile

import (
	"bytes"
	"slices"
	"sort"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

// before orders two messages by timestamp, then by id. ULIDs sort by
// creation time, so the id is a deterministic tie-break that does not depend
// on which create arrived first.
func before(a, b model.Message) bool {
	if a.CreatedAtUnix != b.CreatedAtUnix {
		return a.CreatedAtUnix < b.CreatedAtUnix
	}
	return a.ID < b.ID
}

func sameMessage(a, b model.Message) bool {
	return a.ID == b.ID && a.GuildID == b.GuildID && a.ChannelID == b.ChannelID &&
		a.AuthorID == b.AuthorID && a.Content == b.Content &&
		a.CreatedAtUnix == b.CreatedAtUnix && a.EditedAtUnix == b.EditedAtUnix &&
		bytes.Equal(a.MarkdownTokens, b.MarkdownTokens) &&
		slices.Equal(a.Attachments, b.Attachments)
}

func indexOfMessage(msgs []model.Message, id model.MessageID) int {
	return slices.IndexFunc(msgs, func(m model.Message) bool { return m.ID == id })
}

// ApplyMessageCreate inserts m or replaces the message with the same id.
// A replaced message keeps its slot unless its timestamp changed; the rest
// of the list never moves. A redelivered identical message returns msgs.
func ApplyMessageCreate(msgs []model.Message, m model.Message) []model.Message {
	if i := indexOfMessage(msgs, m.ID); i >= 0 {
		if sameMessage(msgs[i], m) {
			return msgs
		}
		if msgs[i].CreatedAtUnix == m.CreatedAtUnix {
			out := slices.Clone(msgs)
			out[i] = m
			return out
		}
		msgs = slices.Delete(slices.Clone(msgs), i, i+1)
	}
	pos := sort.Search(len(msgs), func(i int) bool { return before(m, msgs[i]) })
	return slices.Insert(slices.Clone(msgs), pos, m)
}

// ApplyMessageUpdate merges only the fields present in the update.
func ApplyMessageUpdate(msgs []model.Message, ev event.MessageUpdate) []model.Message {
	i := indexOfMessage(msgs, ev.MessageID)
	if i < 0 {
		return msgs
	}
	f := ev.Fields
	if f.Content == nil && f.MarkdownTokens == nil && f.EditedAtUnix == nil {
		return msgs
	}

	m := msgs[i]
	if f.Content != nil {
		m.Content = *f.Content
	}
	if f.MarkdownTokens != nil {
		m.MarkdownTokens = slices.Clone(f.MarkdownTokens)
	}
	if f.EditedAtUnix != nil {
		m.EditedAtUnix = *f.EditedAtUnix
	}
	if sameMessage(m, msgs[i]) {
		return msgs
	}

	out := slices.Clone(msgs)
	out[i] = m
	return out
}

// ApplyMessageDelete drops the message with the given id, if present.
func ApplyMessageDelete(msgs []model.Message, id model.MessageID) []model.Message {
	i := indexOfMessage(msgs, id)
	if i < 0 {
		return msgs
	}
	return slices.Delete(slices.Clone(msgs), i, i+1)
}

// MergeHistory folds an older page into the current list. Ids present on
// both sides keep the copy with the later edit, preferring current on a tie.
// The result is chronological with no duplicate ids; messages sharing a
// timestamp keep their relative order, older page first.
func MergeHistory(current, older []model.Message) []model.Message {
	index := make(map[model.MessageID]int, len(current)+len(older))
	merged := make([]model.Message, 0, len(current)+len(older))

	add := func(m model.Message, preferExisting bool) {
		if i, ok := index[m.ID]; ok {
			if m.EditedAtUnix > merged[i].EditedAtUnix || (!preferExisting && m.EditedAtUnix == merged[i].EditedAtUnix) {
				merged[i] = m
			}
			return
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	for _, m := range older {
		add(m, true)
	}
	for _, m := range current {
		add(m, false)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAtUnix < merged[j].CreatedAtUnix
	})
	return merged
}
