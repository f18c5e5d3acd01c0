package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

func TestApplyMessageCreate(t *testing.T) {
	t.Run("inserts in timestamp order", func(t *testing.T) {
		var msgs []model.Message
		msgs = ApplyMessageCreate(msgs, msg("c", 30))
		msgs = ApplyMessageCreate(msgs, msg("a", 10))
		msgs = ApplyMessageCreate(msgs, msg("b", 20))
		assert.Equal(t, []model.MessageID{"a", "b", "c"}, ids(msgs))
	})

	t.Run("replace keeps position when timestamp unchanged", func(t *testing.T) {
		msgs := []model.Message{msg("a", 10), msg("b", 20), msg("c", 30)}
		repl := msg("b", 20)
		repl.Content = "edited"

		out := ApplyMessageCreate(msgs, repl)
		assert.Equal(t, []model.MessageID{"a", "b", "c"}, ids(out))
		assert.Equal(t, "edited", out[1].Content)
		assert.Equal(t, "mb", msgs[1].Content, "input must not be mutated")
	})

	t.Run("replace moves entry when timestamp changed", func(t *testing.T) {
		msgs := []model.Message{msg("a", 10), msg("b", 20), msg("c", 30)}
		out := ApplyMessageCreate(msgs, msg("a", 40))
		assert.Equal(t, []model.MessageID{"b", "c", "a"}, ids(out))
		assert.Len(t, out, 3)
	})

	t.Run("equal timestamps ordered by id", func(t *testing.T) {
		one := ApplyMessageCreate(ApplyMessageCreate(nil, msg("y", 5)), msg("x", 5))
		two := ApplyMessageCreate(ApplyMessageCreate(nil, msg("x", 5)), msg("y", 5))
		assert.Equal(t, ids(one), ids(two))
	})
}

func TestApplyMessageUpdate(t *testing.T) {
	msgs := []model.Message{msg("a", 10), msg("b", 20)}

	t.Run("unknown id is a no-op", func(t *testing.T) {
		out := ApplyMessageUpdate(msgs, event.MessageUpdate{MessageID: "zz", Fields: event.MessageFields{Content: ptr("x")}})
		assert.Equal(t, msgs, out)
	})

	t.Run("merges only present fields", func(t *testing.T) {
		withTokens := []model.Message{msg("a", 10)}
		withTokens[0].MarkdownTokens = json.RawMessage(`["keep"]`)

		out := ApplyMessageUpdate(withTokens, event.MessageUpdate{
			MessageID: "a",
			Fields:    event.MessageFields{Content: ptr("new"), EditedAtUnix: ptr(int64(99))},
		})
		require.Len(t, out, 1)
		assert.Equal(t, "new", out[0].Content)
		assert.EqualValues(t, 99, out[0].EditedAtUnix)
		assert.JSONEq(t, `["keep"]`, string(out[0].MarkdownTokens))
		assert.Equal(t, "ma", withTokens[0].Content)
	})

	t.Run("empty patch returns input", func(t *testing.T) {
		out := ApplyMessageUpdate(msgs, event.MessageUpdate{MessageID: "a"})
		assert.Equal(t, msgs, out)
	})

	t.Run("replayed patch returns input", func(t *testing.T) {
		ev := event.MessageUpdate{MessageID: "a", Fields: event.MessageFields{Content: ptr("new")}}
		once := ApplyMessageUpdate(msgs, ev)
		twice := ApplyMessageUpdate(once, ev)
		assert.Same(t, &once[0], &twice[0])
	})
}

func TestApplyMessageCreateRedelivered(t *testing.T) {
	m := msg("a", 10)
	m.MarkdownTokens = json.RawMessage(`["t"]`)
	m.Attachments = []model.Attachment{{ID: "x", Filename: "x.png", MimeType: "image/png", SizeBytes: 1}}

	once := ApplyMessageCreate(nil, m)
	twice := ApplyMessageCreate(once, m)
	require.Len(t, twice, 1)
	assert.Same(t, &once[0], &twice[0])

	edited := m
	edited.Content = "changed"
	assert.NotSame(t, &once[0], &ApplyMessageCreate(once, edited)[0])
}

func TestApplyMessageDelete(t *testing.T) {
	msgs := []model.Message{msg("a", 10), msg("b", 20)}
	assert.Equal(t, []model.MessageID{"b"}, ids(ApplyMessageDelete(msgs, "a")))
	assert.Equal(t, msgs, ApplyMessageDelete(msgs, "missing"))
	assert.Len(t, msgs, 2)
}

func TestMergeHistory(t *testing.T) {
	t.Run("dedupes and orders", func(t *testing.T) {
		current := []model.Message{msg("c", 30), msg("d", 40)}
		older := []model.Message{msg("a", 10), msg("b", 20), msg("c", 30)}

		out := MergeHistory(current, older)
		assert.Equal(t, []model.MessageID{"a", "b", "c", "d"}, ids(out))
	})

	t.Run("newer copy wins from either side", func(t *testing.T) {
		stale := msg("c", 30)
		fresh := msg("c", 30)
		fresh.Content, fresh.EditedAtUnix = "edited", 50

		out := MergeHistory([]model.Message{stale}, []model.Message{fresh})
		require.Len(t, out, 1)
		assert.Equal(t, "edited", out[0].Content)

		out = MergeHistory([]model.Message{fresh}, []model.Message{stale})
		require.Len(t, out, 1)
		assert.Equal(t, "edited", out[0].Content)
	})

	t.Run("interleaved pages become chronological", func(t *testing.T) {
		current := []model.Message{msg("b", 20), msg("d", 40)}
		older := []model.Message{msg("a", 10), msg("c", 30)}
		assert.Equal(t, []model.MessageID{"a", "b", "c", "d"}, ids(MergeHistory(current, older)))
	})

	t.Run("idempotent", func(t *testing.T) {
		current := []model.Message{msg("b", 20), msg("x", 20), msg("d", 40)}
		older := []model.Message{msg("a", 10), msg("y", 20), msg("b", 20)}
		once := MergeHistory(current, older)
		assert.Equal(t, once, MergeHistory(once, older))
	})
}
