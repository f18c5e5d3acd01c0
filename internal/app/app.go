// Package app assembles the sync core from configuration and runs it.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/api"
	"github.com/Gopher0727/chatsync/internal/gateway"
	"github.com/Gopher0727/chatsync/internal/inspect"
	"github.com/Gopher0727/chatsync/internal/media"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/pkg/redis"
	"github.com/Gopher0727/chatsync/internal/state"
	"github.com/Gopher0727/chatsync/internal/usercache"
	"github.com/Gopher0727/chatsync/middleware/jwt"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

// WorkspaceFetcher loads the guild list over REST.
type WorkspaceFetcher interface {
	FetchWorkspaces(ctx context.Context) (api.Workspaces, error)
}

// Snapshots persists the workspace between runs.
type Snapshots interface {
	LoadWorkspace(ctx context.Context, self model.UserID) (redis.Workspace, error)
	SaveWorkspace(ctx context.Context, ws redis.Workspace) error
	LoadUsernames(ctx context.Context) (map[model.UserID]string, error)
	SaveUsernames(ctx context.Context, names map[model.UserID]string) error
}

// Controller is the gateway controller as the app drives it.
type Controller interface {
	Scoper
	Close() error
}

type Closer interface {
	Close()
}

// Flags are the command line overrides of the initial scope.
type Flags struct {
	GuildID  string
	Channels []string
}

type App struct {
	cfg   *config.Config
	flags Flags
	log   *zap.Logger
	now   func() time.Time

	store      *state.Store
	workspaces WorkspaceFetcher
	snapshots  Snapshots
	primer     gateway.Primer
	controller Controller
	previews   Closer
	follower   *Follower
	inspect    *inspect.Server

	closers []func() error
}

// New builds every component from cfg.
//
// Parameters:
//   - cfg: loaded and validated configuration
//   - flags: initial scope overrides
//   - lg: base logger; components name their own children
//
// Returns:
//   - *App: ready to Run
//   - error: metrics registration or cache construction failure
func New(cfg *config.Config, flags Flags, lg *logger.Logger) (*App, error) {
	if lg == nil {
		lg = &logger.Logger{Logger: zap.NewNop()}
	}
	log := lg.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(lg.Component("state"), m)
	a := &App{
		cfg:   cfg,
		flags: flags,
		log:   lg.Component("app"),
		now:   time.Now,
		store: store,
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			// 快照只是加速启动，连不上也继续运行
			log.Warn("snapshot storage unavailable", zap.Error(err))
		} else {
			a.snapshots = redis.NewSnapshotStoreFromClient(client)
			a.closers = append(a.closers, client.Close)
		}
	}

	rest := api.New(&cfg.API, cfg.Gateway.AccessToken, log)
	a.workspaces = rest

	uopts := usercache.OptionsFromConfig(&cfg.UsernameCache)
	uopts.Logger = log
	uopts.Metrics = m
	users, err := usercache.New(rest, uopts)
	if err != nil {
		return nil, err
	}
	a.primer = users

	mopts := media.OptionsFromConfig(&cfg.MediaPreview)
	mopts.Logger = log
	mopts.Metrics = m
	mopts.Permanent = func(err error) bool { return errors.Is(err, api.ErrNotFound) }
	previews := media.NewScheduler(rest, store, mopts)
	a.previews = previews

	gopts := gateway.OptionsFromConfig(&cfg.Gateway)
	gopts.Primer = users
	gopts.Logger = log
	gopts.Metrics = m
	controller := gateway.NewController(gateway.NewWSTransport(&cfg.Gateway, log), store, gopts)
	a.controller = controller

	a.follower = NewFollower(store, users, previews, controller, log)

	if cfg.Inspect.Enabled {
		a.inspect = inspect.New(&cfg.Inspect, store, reg, m, log)
		a.inspect.SetActions(&userActions{previews: previews, users: users, store: store})
	}
	return a, nil
}

// Run bootstraps the state, opens the initial scope and blocks until ctx
// ends. Shutdown saves the workspace snapshot.
func (a *App) Run(ctx context.Context) error {
	a.bootstrap(ctx)

	var channels []model.ChannelID
	for _, c := range a.flags.Channels {
		channels = append(channels, model.ChannelID(c))
	}
	scope, ok := DefaultScope(a.store.Snapshot(), model.GuildID(a.flags.GuildID), channels)
	if !ok {
		// 等 ready 带来 guild 列表后由 follower 选择
		a.log.Info("no known guild, dialing without scope", zap.String("guild_id", a.flags.GuildID))
		scope = gateway.Scope{}
	}
	if err := a.controller.SetScope(ctx, scope); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.follower.Run(gctx) })
	if a.inspect != nil {
		g.Go(func() error { return a.inspect.Run(gctx) })
	}
	err := g.Wait()

	a.shutdown()
	return err
}

// bootstrap seeds the store before the gateway is up: identity from the
// token, then the REST workspace list, then the stored snapshot.
func (a *App) bootstrap(ctx context.Context) {
	token := a.cfg.Gateway.AccessToken
	self, err := jwt.SubjectFromToken(token)
	if err != nil {
		a.log.Warn("cannot read user id from access token", zap.Error(err))
	} else {
		a.store.SetSelf(self)
		if expired, _ := jwt.Expired(token, a.now()); expired {
			a.log.Warn("access token has expired", zap.String("user_id", string(self)))
		}
	}

	if a.workspaces != nil {
		ws, err := a.workspaces.FetchWorkspaces(ctx)
		if err != nil {
			a.log.Warn("failed to fetch workspaces", zap.Error(err))
		} else {
			a.store.LoadSnapshot(ws.SelfID, ws.Guilds)
			if ws.SelfID != "" {
				self = ws.SelfID
			}
		}
	}

	if a.snapshots == nil {
		return
	}
	if self != "" {
		ws, err := a.snapshots.LoadWorkspace(ctx, self)
		switch {
		case err == nil:
			a.store.LoadSnapshot(ws.SelfID, ws.Guilds)
		case !errors.Is(err, redis.ErrNotFound):
			a.log.Warn("failed to load workspace snapshot", zap.Error(err))
		}
	}
	names, err := a.snapshots.LoadUsernames(ctx)
	if err != nil {
		a.log.Warn("failed to load usernames", zap.Error(err))
		return
	}
	if len(names) > 0 {
		a.primer.Prime(names)
		a.store.MergeUsernames(names)
		a.log.Info("usernames restored", zap.Int("count", len(names)))
	}
}

func (a *App) shutdown() {
	if err := a.controller.Close(); err != nil {
		a.log.Warn("failed to close gateway", zap.Error(err))
	}
	a.previews.Close()

	if a.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.saveSnapshot(ctx)
	}

	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *App) saveSnapshot(ctx context.Context) {
	snap := a.store.Snapshot()
	if snap.SelfID != "" && len(snap.Guilds) > 0 {
		err := a.snapshots.SaveWorkspace(ctx, redis.Workspace{
			SelfID:      snap.SelfID,
			Guilds:      snap.Guilds,
			SavedAtUnix: a.now().Unix(),
		})
		if err != nil {
			a.log.Warn("failed to save workspace snapshot", zap.Error(err))
		}
	}
	if err := a.snapshots.SaveUsernames(ctx, snap.Usernames); err != nil {
		a.log.Warn("failed to save usernames", zap.Error(err))
	}
}
