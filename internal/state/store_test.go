package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
)

const (
	self  model.UserID    = "me"
	other model.UserID    = "them"
	g1    model.GuildID   = "g1"
	g2    model.GuildID   = "g2"
	c1    model.ChannelID = "c1"
	c2    model.ChannelID = "c2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	s := NewStore(zaptest.NewLogger(t), m)
	s.Apply(event.Ready{
		SelfID: self,
		Guilds: []model.Guild{
			{ID: g1, Name: "one", Channels: []model.Channel{{ID: c1, GuildID: g1}}, Members: []model.UserID{self, other}},
			{ID: g2, Name: "two", Channels: []model.Channel{{ID: "c9", GuildID: g2}}},
		},
	})
	return s
}

func create(id model.MessageID, ch model.ChannelID, ts int64) event.MessageCreate {
	return event.MessageCreate{Message: model.Message{ID: id, GuildID: g1, ChannelID: ch, CreatedAtUnix: ts}}
}

func TestApplyBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	v := s.Version()

	assert.True(t, s.Apply(create("m1", c1, 10)))
	assert.Equal(t, v+1, s.Version())

	snap := s.Snapshot()
	require.Len(t, snap.ChannelMessages(c1), 1)
	assert.Equal(t, model.MessageID("m1"), snap.ChannelMessages(c1)[0].ID)
}

func TestChannelCreateTwice(t *testing.T) {
	s := newTestStore(t)
	ev := event.ChannelCreate{Channel: model.Channel{ID: c2, GuildID: g1}}

	assert.True(t, s.Apply(ev))
	v := s.Version()
	assert.False(t, s.Apply(ev))
	assert.Equal(t, v, s.Version())

	g := s.Snapshot().Guilds[0]
	assert.Equal(t, []model.ChannelID{c1, c2}, []model.ChannelID{g.Channels[0].ID, g.Channels[1].ID})
	assert.Len(t, g.Channels, 2)
}

func TestMessageDeletePurgesReactions(t *testing.T) {
	s := newTestStore(t)
	s.Apply(create("m1", c1, 10))
	s.Apply(create("m10", c1, 11))
	s.Apply(event.MessageReaction{ChannelID: c1, MessageID: "m1", Emoji: "👍", Count: 2, ActorID: other, Action: event.ReactionAdd})
	s.Apply(event.MessageReaction{ChannelID: c1, MessageID: "m10", Emoji: "👍", Count: 1, ActorID: other, Action: event.ReactionAdd})

	require.True(t, s.Apply(event.MessageDelete{ChannelID: c1, MessageID: "m1", DeletedAtUnix: 20}))

	view := s.Snapshot().ReactionView()
	assert.NotContains(t, view, model.ReactionKey("m1", "👍"))
	assert.Contains(t, view, model.ReactionKey("m10", "👍"))
}

func TestReactionEndToEnd(t *testing.T) {
	s := newTestStore(t)
	s.Apply(create("m1", c1, 10))
	key := model.ReactionKey("m1", "👍")

	assert.Empty(t, s.Snapshot().ReactionView())

	s.BeginReaction("m1", "👍", true)
	assert.Equal(t, model.Reaction{Count: 1, Reacted: true}, s.Snapshot().ReactionView()[key])

	s.Apply(event.MessageReaction{MessageID: "m1", Emoji: "👍", Count: 1, ActorID: self, Action: event.ReactionAdd})
	assert.Equal(t, model.Reaction{Count: 1, Reacted: true}, s.Snapshot().ReactionView()[key])
	assert.Empty(t, s.Snapshot().Reactions.Pending)

	s.Apply(event.MessageReaction{MessageID: "m1", Emoji: "👍", Count: 0, ActorID: other, Action: event.ReactionRemove})
	assert.Empty(t, s.Snapshot().ReactionView())
}

func TestFailReaction(t *testing.T) {
	s := newTestStore(t)
	s.BeginReaction("m1", "🔥", true)
	assert.True(t, s.FailReaction("m1", "🔥"))
	assert.Empty(t, s.Snapshot().ReactionView())
	assert.False(t, s.FailReaction("m1", "🔥"))
}

func TestMemberRemoveSelf(t *testing.T) {
	kicked := newTestStore(t)
	left := newTestStore(t)
	for _, s := range []*Store{kicked, left} {
		s.Apply(create("m1", c1, 10))
		s.Apply(event.PresenceSync{GuildID: g1, UserIDs: []model.UserID{self, other}})
		s.Apply(event.VoiceJoin{Key: model.VoiceKey{GuildID: g1, ChannelID: "v1"}, Participant: model.VoiceParticipant{UserID: other, Identity: "x"}})
		s.Apply(event.MessageReaction{MessageID: "m1", Emoji: "👍", Count: 1, ActorID: other, Action: event.ReactionAdd})
	}

	require.True(t, kicked.Apply(event.MemberRemove{GuildID: g1, UserID: self}))
	require.True(t, left.LeaveGuild(g1))

	for _, s := range []*Store{kicked, left} {
		snap := s.Snapshot()
		require.Len(t, snap.Guilds, 1)
		assert.Equal(t, g2, snap.Guilds[0].ID)
		assert.Empty(t, snap.OnlineUsers(g1))
		assert.Empty(t, snap.Voice)
		assert.Empty(t, snap.ChannelMessages(c1))
		assert.Empty(t, snap.ReactionView())
	}
	assert.Equal(t, kicked.Snapshot().Guilds, left.Snapshot().Guilds)
}

func TestMemberRemoveOther(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.Apply(event.MemberRemove{GuildID: g1, UserID: other}))
	snap := s.Snapshot()
	require.Len(t, snap.Guilds, 2)
	assert.Equal(t, []model.UserID{self}, snap.Guilds[0].Members)
}

func TestChannelDeleteDropsMessages(t *testing.T) {
	s := newTestStore(t)
	s.Apply(create("m1", c1, 10))
	require.True(t, s.Apply(event.ChannelDelete{GuildID: g1, ChannelID: c1}))

	snap := s.Snapshot()
	assert.False(t, snap.Accessible(g1, c1))
	assert.Empty(t, snap.ChannelMessages(c1))
}

func TestPresence(t *testing.T) {
	s := newTestStore(t)
	s.Apply(event.PresenceSync{GuildID: g1, UserIDs: []model.UserID{other}})
	assert.True(t, s.Apply(event.PresenceUpdate{GuildID: g1, UserID: self, Status: model.StatusOnline}))
	assert.False(t, s.Apply(event.PresenceUpdate{GuildID: g1, UserID: self, Status: model.StatusOnline}))
	assert.Equal(t, []model.UserID{self, other}, s.Snapshot().OnlineUsers(g1))

	assert.False(t, s.Apply(event.PresenceSync{GuildID: g1, UserIDs: []model.UserID{self, other}}))

	assert.True(t, s.ResetScope(g1))
	assert.Empty(t, s.Snapshot().OnlineUsers(g1))
	assert.False(t, s.ResetScope(g1))
}

func TestProfileUpdateMergesUsername(t *testing.T) {
	s := newTestStore(t)
	name := "ann"
	require.True(t, s.Apply(event.ProfileUpdate{UserID: other, Username: &name}))

	snap := s.Snapshot()
	assert.Equal(t, "ann", snap.Usernames[other])
	assert.Equal(t, "ann", snap.Profiles[other].Username)
	assert.False(t, s.Apply(event.ProfileUpdate{UserID: other, Username: &name}))
}

func TestMergeUsernames(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.MergeUsernames(map[model.UserID]string{"a": "alice", "b": "bob"}))
	assert.False(t, s.MergeUsernames(map[model.UserID]string{"a": "alice"}))
	assert.True(t, s.MergeUsernames(map[model.UserID]string{"a": "alicia"}))
	assert.Equal(t, map[model.UserID]string{"a": "alicia", "b": "bob"}, s.Snapshot().Usernames)

	assert.True(t, s.ForgetUsernames("b", "zz"))
	assert.NotContains(t, s.Snapshot().Usernames, model.UserID("b"))
}

func TestPreviewStatus(t *testing.T) {
	s := newTestStore(t)
	var id model.AttachmentID = "a1"

	assert.Equal(t, model.PreviewIdle, s.Snapshot().PreviewStatus(id))

	s.SetPreviewStatus(id, model.PreviewLoading)
	assert.Equal(t, model.PreviewLoading, s.Snapshot().PreviewStatus(id))

	s.SetPreviewStatus(id, model.PreviewFailed)
	snap := s.Snapshot()
	assert.Equal(t, model.PreviewFailed, snap.PreviewStatus(id))
	assert.NotContains(t, snap.PreviewLoading, id)

	v := s.Version()
	s.SetPreviewStatus(id, model.PreviewFailed)
	assert.Equal(t, v, s.Version())

	s.SetPreviewStatus(id, model.PreviewIdle)
	assert.Equal(t, model.PreviewIdle, s.Snapshot().PreviewStatus(id))
}

func TestLoadSnapshot(t *testing.T) {
	s := NewStore(nil, nil)
	guilds := []model.Guild{{ID: g1}}
	assert.True(t, s.LoadSnapshot(self, guilds))
	assert.Equal(t, self, s.Snapshot().SelfID)

	// ready wins over anything loaded afterwards
	assert.False(t, s.LoadSnapshot("x", []model.Guild{{ID: g2}}))
	assert.Equal(t, g1, s.Snapshot().Guilds[0].ID)
}

func TestMergeHistory(t *testing.T) {
	s := newTestStore(t)
	s.Apply(create("m3", c1, 30))
	older := []model.Message{
		{ID: "m1", ChannelID: c1, CreatedAtUnix: 10},
		{ID: "m3", ChannelID: c1, CreatedAtUnix: 30},
	}
	require.True(t, s.MergeHistory(c1, older))
	msgs := s.Snapshot().ChannelMessages(c1)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageID("m1"), msgs[0].ID)
	assert.False(t, s.MergeHistory(c1, nil))
}

func TestSubscribeCoalesces(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	for i := range 5 {
		s.Apply(create(model.MessageID(fmt.Sprintf("m%d", i)), c1, int64(i)))
	}

	assert.Equal(t, s.Version(), <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra notification %d", v)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { s.Apply(create("m1", c1, 1)) })
}

func TestConcurrentApplyAndRead(t *testing.T) {
	s := newTestStore(t)
	base := s.Version()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				s.Apply(create(model.MessageID(fmt.Sprintf("w%d-%02d", w, i)), c1, int64(i)))
				_ = s.Snapshot().ChannelMessages(c1)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Snapshot().ChannelMessages(c1), 200)
	assert.Equal(t, base+200, s.Version())
}

func TestLateReactionAfterDelete(t *testing.T) {
	s := newTestStore(t)
	s.Apply(create("m1", c1, 10))
	s.Apply(create("m2", c1, 11))
	require.True(t, s.Apply(event.MessageDelete{ChannelID: c1, MessageID: "m1", DeletedAtUnix: 20}))

	v := s.Version()
	late := event.MessageReaction{ChannelID: c1, MessageID: "m1", Emoji: "👍", Count: 2, ActorID: other, Action: event.ReactionAdd}
	assert.False(t, s.Apply(late))
	assert.Equal(t, v, s.Version())
	assert.Empty(t, s.Snapshot().Reactions.Confirmed)

	// 频道消息未加载时无法判断，照常记录
	assert.True(t, s.Apply(event.MessageReaction{ChannelID: c2, MessageID: "m7", Emoji: "👍", Count: 1, ActorID: other, Action: event.ReactionAdd}))
	assert.True(t, s.Apply(event.MessageReaction{ChannelID: c1, MessageID: "m2", Emoji: "👍", Count: 1, ActorID: other, Action: event.ReactionAdd}))
}

func TestReadyReplayAndPrune(t *testing.T) {
	s := newTestStore(t)
	s.Apply(create("m1", c1, 10))
	s.Apply(create("m9", "c9", 10))
	s.Apply(event.MessageReaction{ChannelID: "c9", MessageID: "m9", Emoji: "👍", Count: 1, ActorID: other, Action: event.ReactionAdd})
	s.Apply(event.PresenceSync{GuildID: g2, UserIDs: []model.UserID{other}})
	s.Apply(event.VoiceJoin{Key: model.VoiceKey{GuildID: g2, ChannelID: "v2"}, Participant: model.VoiceParticipant{UserID: other, Identity: "x"}})

	ready := event.Ready{
		SelfID: self,
		Guilds: []model.Guild{{ID: g1, Name: "one", Members: []model.UserID{self, other}}},
	}
	require.True(t, s.Apply(ready))
	v := s.Version()
	assert.False(t, s.Apply(ready))
	assert.Equal(t, v, s.Version())

	snap := s.Snapshot()
	require.Len(t, snap.Guilds, 1)
	assert.Empty(t, snap.ChannelMessages("c9"))
	assert.Empty(t, snap.ChannelMessages(c1), "c1 is no longer listed under g1")
	assert.Empty(t, snap.OnlineUsers(g2))
	assert.Empty(t, snap.Voice)
	assert.Empty(t, snap.ReactionView())
}
