package gateway

import (
	"context"
	"slices"

	"github.com/Gopher0727/chatsync/internal/model"
)

// Scope is what the UI currently shows: one guild, the channel it has
// open, and the set of channels the stream should deliver.
type Scope struct {
	GuildID       model.GuildID
	ActiveChannel model.ChannelID
	ChannelIDs    []model.ChannelID
}

// sameChannels compares the channel sets regardless of order.
func (s Scope) sameChannels(o Scope) bool {
	if len(s.ChannelIDs) != len(o.ChannelIDs) {
		return false
	}
	a := slices.Clone(s.ChannelIDs)
	b := slices.Clone(o.ChannelIDs)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (s Scope) clone() Scope {
	s.ChannelIDs = slices.Clone(s.ChannelIDs)
	return s
}

// Transport opens one duplex event stream for a scope.
type Transport interface {
	Dial(ctx context.Context, token string, scope Scope) (Stream, error)
}

// Stream is one live connection. Recv returns the next raw frame; it
// returns an error once the stream is closed or broken. Close is
// idempotent and unblocks Recv.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	SetSubscribedChannels(guild model.GuildID, channels []model.ChannelID) error
	Close() error
}
