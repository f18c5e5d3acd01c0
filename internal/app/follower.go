package app

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/internal/gateway"
	"github.com/Gopher0727/chatsync/internal/media"
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/state"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

type Resolver interface {
	Resolve(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error)
}

type Previewer interface {
	Sync(msgs []model.Message) error
}

// Scoper is the part of the gateway controller the follower steers.
type Scoper interface {
	Scope() gateway.Scope
	SetScope(ctx context.Context, scope gateway.Scope) error
}

// Follower reacts to state changes: it keeps preview targets on the active
// channel, resolves usernames the view needs and picks a scope once the
// first guild list arrives.
type Follower struct {
	store    *state.Store
	resolver Resolver
	previews Previewer
	scoper   Scoper
	log      *zap.Logger
}

func NewFollower(store *state.Store, resolver Resolver, previews Previewer, scoper Scoper, log *zap.Logger) *Follower {
	return &Follower{
		store:    store,
		resolver: resolver,
		previews: previews,
		scoper:   scoper,
		log:      logger.OrNop(log).Named("follower"),
	}
}

// Run handles one step per store notification until ctx ends.
func (f *Follower) Run(ctx context.Context) error {
	updates, cancel := f.store.Subscribe()
	defer cancel()

	f.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				return nil
			}
			f.step(ctx)
		}
	}
}

func (f *Follower) step(ctx context.Context) {
	snap := f.store.Snapshot()
	scope := f.scoper.Scope()

	if scope.GuildID == "" {
		if next, ok := DefaultScope(snap, "", nil); ok {
			if err := f.scoper.SetScope(ctx, next); err != nil && !errors.Is(err, gateway.ErrClosed) {
				f.log.Warn("failed to set scope", zap.Error(err))
			}
			scope = next
		}
	}

	if err := f.previews.Sync(snap.ChannelMessages(scope.ActiveChannel)); err != nil && !errors.Is(err, media.ErrClosed) {
		f.log.Warn("preview sync failed", zap.Error(err))
	}

	ids := unresolvedUsers(snap, scope)
	if len(ids) == 0 {
		return
	}
	names, err := f.resolver.Resolve(ctx, ids)
	if len(names) > 0 {
		f.store.MergeUsernames(names)
	}
	if err != nil && ctx.Err() == nil {
		f.log.Debug("username resolution incomplete", zap.Int("ids", len(ids)), zap.Error(err))
	}
}

// unresolvedUsers lists users visible in scope that have no username yet:
// message authors of the active channel, online members and voice
// participants of the guild.
func unresolvedUsers(snap state.State, scope gateway.Scope) []model.UserID {
	seen := make(map[model.UserID]struct{})
	var out []model.UserID
	add := func(id model.UserID) {
		if id == "" {
			return
		}
		if _, ok := snap.Usernames[id]; ok {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, m := range snap.ChannelMessages(scope.ActiveChannel) {
		add(m.AuthorID)
	}
	for _, id := range snap.OnlineUsers(scope.GuildID) {
		add(id)
	}
	for key, list := range snap.Voice {
		if key.GuildID != scope.GuildID {
			continue
		}
		for _, p := range list {
			add(p.UserID)
		}
	}
	slices.Sort(out)
	return out
}

// DefaultScope builds a scope for guild (or the first known guild when
// empty). channels defaults to every text channel of the guild; the first
// one becomes the active channel.
func DefaultScope(snap state.State, guild model.GuildID, channels []model.ChannelID) (gateway.Scope, bool) {
	var g *model.Guild
	for i := range snap.Guilds {
		if guild == "" || snap.Guilds[i].ID == guild {
			g = &snap.Guilds[i]
			break
		}
	}
	if g == nil {
		return gateway.Scope{}, false
	}

	if len(channels) == 0 {
		for _, c := range g.Channels {
			if c.Kind == model.ChannelText {
				channels = append(channels, c.ID)
			}
		}
	}
	scope := gateway.Scope{GuildID: g.ID, ChannelIDs: slices.Clone(channels)}
	if len(channels) > 0 {
		scope.ActiveChannel = channels[0]
	}
	return scope, true
}
