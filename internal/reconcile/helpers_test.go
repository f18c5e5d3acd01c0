package reconcile

import (
	"github.com/Gopher0727/chatsync/internal/model"
)

func msg(id string, ts int64) model.Message {
	return model.Message{ID: model.MessageID(id), CreatedAtUnix: ts, Content: "m" + id}
}

func ids(msgs []model.Message) []model.MessageID {
	out := make([]model.MessageID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
