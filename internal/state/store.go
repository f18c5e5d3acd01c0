package state

import (
	"maps"
	"reflect"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/reconcile"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

// Store 状态仓库
//
// All mutations are serialized by mu, so readers never observe a partially
// applied event. Subscribers receive the latest version number on a
// one-slot channel; a slow subscriber only ever misses intermediate
// versions, never the newest one, and never blocks a writer.
type Store struct {
	mu    sync.RWMutex
	state State

	subMu   sync.Mutex
	subs    map[int]chan uint64
	nextSub int

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewStore returns an empty store at version 0.
func NewStore(log *zap.Logger, m *metrics.Metrics) *Store {
	return &Store{
		subs:    make(map[int]chan uint64),
		log:     logger.OrNop(log),
		metrics: m,
	}
}

// Snapshot returns the current state. The returned value must be treated
// as read-only.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Version
}

// Subscribe registers a change listener. The channel yields the version of
// the state after each change, coalescing bursts. The returned func
// unregisters and closes the channel; it is safe to call more than once.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan uint64, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// update runs fn on a copy of the current state under the write lock. fn
// reports whether it changed anything; only then is the copy committed.
func (s *Store) update(fn func(*State) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if !fn(&next) {
		return false
	}
	next.Version = s.state.Version + 1
	s.state = next

	// 持锁通知，保证订阅者看到的版本号单调递增
	s.metrics.SetStateVersion(next.Version)
	s.notify(next.Version)
	return true
}

func (s *Store) notify(version uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		// 非阻塞：丢弃旧版本号，只保留最新的
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- version:
		default:
		}
	}
}

// Apply folds one decoded event into the state and reports whether the
// state changed.
func (s *Store) Apply(ev event.Event) bool {
	return s.update(func(st *State) bool {
		return reduce(st, ev)
	})
}

// reduce is the single dispatch point from event kind to reducer.
func reduce(st *State, ev event.Event) bool {
	switch e := ev.(type) {
	case event.Ready:
		if st.SelfID == e.SelfID && reflect.DeepEqual(st.Guilds, e.Guilds) {
			return false
		}
		for _, g := range st.Guilds {
			next, ok := reconcile.FindGuild(e.Guilds, g.ID)
			if !ok {
				leaveGuild(st, g.ID)
				continue
			}
			for _, c := range g.Channels {
				if !next.HasChannel(c.ID) {
					dropChannel(st, c.ID)
				}
			}
		}
		st.SelfID = e.SelfID
		st.Guilds = e.Guilds
		return true

	case event.Subscribed:
		if cur, ok := st.Subscriptions[e.GuildID]; ok && reflect.DeepEqual(cur, e.ChannelIDs) {
			return false
		}
		st.Subscriptions = withKey(st.Subscriptions, e.GuildID, e.ChannelIDs)
		return true

	case event.MessageCreate:
		ch := e.Message.ChannelID
		return setMessages(st, ch, reconcile.ApplyMessageCreate(st.Messages[ch], e.Message))

	case event.MessageUpdate:
		return setMessages(st, e.ChannelID, reconcile.ApplyMessageUpdate(st.Messages[e.ChannelID], e))

	case event.MessageDelete:
		changed := setMessages(st, e.ChannelID, reconcile.ApplyMessageDelete(st.Messages[e.ChannelID], e.MessageID))
		return setReactions(st, reconcile.PurgeMessageReactions(st.Reactions, e.MessageID)) || changed

	case event.MessageReaction:
		// 已加载的频道里找不到该消息：消息已删除，迟到的计数直接丢弃
		if msgs, ok := st.Messages[e.ChannelID]; ok && !slices.ContainsFunc(msgs, func(m model.Message) bool { return m.ID == e.MessageID }) {
			return false
		}
		return setReactions(st, reconcile.ApplyReactionUpdate(st.Reactions, e, st.SelfID))

	case event.PresenceSync:
		next := reconcile.ApplyPresenceSync(e)
		if cur, ok := st.Presence[e.GuildID]; ok && maps.Equal(cur, next) {
			return false
		}
		st.Presence = withKey(st.Presence, e.GuildID, next)
		return true

	case event.PresenceUpdate:
		cur := st.Presence[e.GuildID]
		next := reconcile.ApplyPresenceUpdate(cur, e)
		if sameMap(cur, next) {
			return false
		}
		st.Presence = withKey(st.Presence, e.GuildID, next)
		return true

	case event.WorkspaceUpdate:
		return setGuilds(st, reconcile.ApplyWorkspaceUpdate(st.Guilds, e))

	case event.RoleCreate:
		return setGuilds(st, reconcile.ApplyRoleCreate(st.Guilds, e))

	case event.RoleUpdate:
		return setGuilds(st, reconcile.ApplyRoleUpdate(st.Guilds, e))

	case event.RoleDelete:
		return setGuilds(st, reconcile.ApplyRoleDelete(st.Guilds, e))

	case event.MemberRemove:
		if st.SelfID != "" && e.UserID == st.SelfID {
			return leaveGuild(st, e.GuildID)
		}
		return setGuilds(st, reconcile.ApplyMemberRemove(st.Guilds, e, st.SelfID))

	case event.ChannelCreate:
		return setGuilds(st, reconcile.ApplyChannelCreate(st.Guilds, e))

	case event.ChannelDelete:
		changed := setGuilds(st, reconcile.ApplyChannelDelete(st.Guilds, e))
		return dropChannel(st, e.ChannelID) || changed

	case event.VoiceSync:
		return setVoice(st, reconcile.ApplyVoiceSync(st.Voice, e))

	case event.VoiceJoin:
		return setVoice(st, reconcile.ApplyVoiceJoin(st.Voice, e))

	case event.VoiceUpdate:
		return setVoice(st, reconcile.ApplyVoiceUpdate(st.Voice, e))

	case event.VoiceLeave:
		return setVoice(st, reconcile.ApplyVoiceLeave(st.Voice, e))

	case event.StreamPublish:
		return setVoice(st, reconcile.ApplyStreamPublish(st.Voice, e))

	case event.StreamUnpublish:
		return setVoice(st, reconcile.ApplyStreamUnpublish(st.Voice, e))

	case event.ProfileUpdate:
		next := reconcile.ApplyProfileUpdate(st.Profiles, e)
		changed := !sameMap(st.Profiles, next)
		st.Profiles = next
		if e.Username != nil && st.Usernames[e.UserID] != *e.Username {
			st.Usernames = withKey(st.Usernames, e.UserID, *e.Username)
			changed = true
		}
		return changed

	case event.AvatarUpdate:
		next := reconcile.ApplyAvatarUpdate(st.Profiles, e)
		if sameMap(st.Profiles, next) {
			return false
		}
		st.Profiles = next
		return true
	}
	return false
}

// leaveGuild removes the guild and everything scoped to it. A kick of the
// local user and a local leave both end up here.
func leaveGuild(st *State, guild model.GuildID) bool {
	changed := false
	if g, ok := reconcile.FindGuild(st.Guilds, guild); ok {
		for _, c := range g.Channels {
			dropChannel(st, c.ID)
		}
		st.Guilds = reconcile.LeaveGuild(st.Guilds, guild)
		changed = true
	}
	if _, ok := st.Presence[guild]; ok {
		st.Presence = withoutKey(st.Presence, guild)
		changed = true
	}
	if _, ok := st.Subscriptions[guild]; ok {
		st.Subscriptions = withoutKey(st.Subscriptions, guild)
		changed = true
	}
	return setVoice(st, reconcile.DropGuildRosters(st.Voice, guild)) || changed
}

// dropChannel forgets the cached messages of a channel together with
// their reactions.
func dropChannel(st *State, channel model.ChannelID) bool {
	msgs, ok := st.Messages[channel]
	if !ok {
		return false
	}
	rs := st.Reactions
	for _, m := range msgs {
		rs = reconcile.PurgeMessageReactions(rs, m.ID)
	}
	st.Reactions = rs
	st.Messages = withoutKey(st.Messages, channel)
	return true
}

func setMessages(st *State, channel model.ChannelID, next []model.Message) bool {
	cur, ok := st.Messages[channel]
	if ok && sameSlice(cur, next) {
		return false
	}
	if !ok && len(next) == 0 {
		return false
	}
	st.Messages = withKey(st.Messages, channel, next)
	return true
}

func setReactions(st *State, next reconcile.ReactionState) bool {
	if sameMap(st.Reactions.Confirmed, next.Confirmed) && sameMap(st.Reactions.Pending, next.Pending) {
		return false
	}
	st.Reactions = next
	return true
}

func setGuilds(st *State, next []model.Guild) bool {
	if sameSlice(st.Guilds, next) {
		return false
	}
	st.Guilds = next
	return true
}

func setVoice(st *State, next reconcile.Roster) bool {
	if sameMap(st.Voice, next) {
		return false
	}
	st.Voice = next
	return true
}

// sameSlice and sameMap compare identity, not contents: the reducers
// return their input untouched when an event changes nothing.
func sameSlice[T any](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

func sameMap[M ~map[K]V, K comparable, V any](a, b M) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

func withKey[M ~map[K]V, K comparable, V any](m M, k K, v V) M {
	out := make(M, len(m)+1)
	maps.Copy(out, m)
	out[k] = v
	return out
}

func withoutKey[M ~map[K]V, K comparable, V any](m M, k K) M {
	out := maps.Clone(m)
	delete(out, k)
	return out
}
