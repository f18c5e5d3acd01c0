// Package gateway owns the live event stream of the active scope and feeds
// every decoded event into the state store.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/backoff"
	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/state"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Open         ConnState = "open"
	Reconnecting ConnState = "reconnecting"
	Closed       ConnState = "closed"
)

var (
	ErrClosed = errors.New("gateway: controller closed")

	errAccessLost = errors.New("gateway: active channel no longer accessible")
	errSuperseded = errors.New("gateway: session superseded")
)

// Store is the part of the state store the controller writes to.
type Store interface {
	Apply(ev event.Event) bool
	Snapshot() state.State
	ResetScope(guild model.GuildID) bool
}

// Primer receives usernames carried by profile events.
type Primer interface {
	Prime(names map[model.UserID]string)
}

type Options struct {
	Token  string
	Policy backoff.Policy
	Primer Primer

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig converts the gateway config section.
func OptionsFromConfig(cfg *config.GatewayConfig) Options {
	return Options{
		Token:  cfg.AccessToken,
		Policy: backoff.Policy{Base: cfg.ReconnectBase, Growth: cfg.ReconnectGrowth, Max: cfg.ReconnectMax},
	}
}

// Controller 连接/订阅控制器
//
// At most one session runs at a time. Every session carries the
// generation it was started with; anything that ends a session (scope
// change, access loss, Close) bumps the generation under mu, and events
// are applied under mu only while their generation is current. Once Close
// returns no event reaches the store.
type Controller struct {
	mu     sync.Mutex
	state  ConnState
	scope  Scope
	stream Stream
	gen    uint64
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup

	transport Transport
	store     Store
	opts      Options
	clock     clockwork.Clock
	log       *zap.Logger
	m         *metrics.Metrics
}

func NewController(t Transport, store Store, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Policy.Base <= 0 {
		d := config.Default().Gateway
		opts.Policy = backoff.Policy{Base: d.ReconnectBase, Growth: d.ReconnectGrowth, Max: d.ReconnectMax}
	}
	return &Controller{
		state:     Disconnected,
		transport: t,
		store:     store,
		opts:      opts,
		clock:     opts.Clock,
		log:       logger.OrNop(opts.Logger).Named("gateway"),
		m:         opts.Metrics,
	}
}

func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Scope() Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope.clone()
}

// SetScope points the controller at a scope. A different guild reopens the
// stream; a different channel set on the same guild resubscribes the live
// stream; an identical scope does nothing.
func (c *Controller) SetScope(ctx context.Context, scope Scope) error {
	scope = scope.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	running := c.state != Disconnected
	if running && scope.GuildID == c.scope.GuildID {
		channelsChanged := !scope.sameChannels(c.scope)
		c.scope = scope
		if !channelsChanged {
			return nil
		}
		if c.state == Open && c.stream != nil {
			if err := c.stream.SetSubscribedChannels(scope.GuildID, scope.ChannelIDs); err != nil {
				c.log.Warn("resubscribe failed, reconnecting", zap.Error(err))
				// 关闭流让读循环进入重连，重连时带上新的频道集合
				_ = c.stream.Close()
			}
		}
		// connecting/reconnecting sessions dial with the updated scope
		return nil
	}

	c.stopLocked()
	c.scope = scope
	c.startLocked(ctx)
	return nil
}

// Disconnect ends the current session without closing the controller.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked()
	c.setStateLocked(Disconnected)
}

// Close ends the session for good. It is idempotent and returns after the
// session goroutine has exited.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.setStateLocked(Closed)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// stopLocked invalidates the running session. Callers hold c.mu.
func (c *Controller) stopLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
}

// startLocked launches a session for c.scope. Callers hold c.mu.
func (c *Controller) startLocked(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if logger.GetTraceID(ctx) == "" {
		ctx = logger.WithTraceID(ctx, logger.NewTraceID())
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	gen := c.gen
	c.setStateLocked(Connecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, gen)
	}()
}

func (c *Controller) setStateLocked(to ConnState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.m.GatewayTransition(string(from), string(to))
	c.log.Info("gateway state",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("guild_id", string(c.scope.GuildID)),
	)
}

// run dials, reads until the stream breaks, and redials with backoff until
// the session is superseded or loses access.
func (c *Controller) run(ctx context.Context, gen uint64) {
	attempt := 0
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		scope := c.scope.clone()
		c.mu.Unlock()

		log := logger.FromContext(logger.WithAttempt(ctx, attempt+1), c.log)
		stream, err := c.transport.Dial(ctx, c.opts.Token, scope)
		if err == nil {
			err = c.serve(ctx, gen, scope, stream, &attempt)
		}
		if errors.Is(err, errSuperseded) || errors.Is(err, errAccessLost) || ctx.Err() != nil {
			return
		}

		attempt++
		log.Debug("gateway session ended", zap.Int("attempt", attempt), zap.Error(err))

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(Reconnecting)
		c.mu.Unlock()

		if c.opts.Policy.Wait(ctx, c.clock, attempt) != nil {
			return
		}
	}
}

// serve installs stream as the live stream and pumps frames until it
// fails. attempt is reset once the stream is open.
func (c *Controller) serve(ctx context.Context, gen uint64, dialed Scope, stream Stream, attempt *int) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = stream.Close()
		return errSuperseded
	}
	// the channel set may have changed while dialing
	if !dialed.sameChannels(c.scope) {
		if err := stream.SetSubscribedChannels(c.scope.GuildID, c.scope.ChannelIDs); err != nil {
			c.mu.Unlock()
			_ = stream.Close()
			return err
		}
	}
	c.stream = stream
	*attempt = 0
	c.setStateLocked(Open)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.stream == stream {
			c.stream = nil
		}
		c.mu.Unlock()
		_ = stream.Close()
	}()

	for {
		frame, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		if err := c.handle(ctx, gen, frame); err != nil {
			return err
		}
	}
}

// handle decodes one frame and applies it. Decoding happens outside the
// lock; applying happens under it and only for the current generation.
func (c *Controller) handle(ctx context.Context, gen uint64, frame []byte) error {
	ev, err := event.DecodeFrame(frame)
	if err != nil {
		reason := "invalid_payload"
		switch {
		case errors.Is(err, event.ErrUnknownEventType):
			reason = "unknown_type"
		case errors.Is(err, event.ErrMalformedEnvelope):
			reason = "malformed_envelope"
		}
		c.m.EventDropped(reason)
		logger.FromContext(ctx, c.log).Debug("event dropped", zap.String("reason", reason), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return errSuperseded
	}
	c.store.Apply(ev)
	c.m.EventDecoded(string(ev.Kind()))

	if p, ok := ev.(event.ProfileUpdate); ok && p.Username != nil && c.opts.Primer != nil {
		c.opts.Primer.Prime(map[model.UserID]string{p.UserID: *p.Username})
	}

	if revokesAccess(ev) && c.scope.ActiveChannel != "" {
		if !c.store.Snapshot().Accessible(c.scope.GuildID, c.scope.ActiveChannel) {
			c.teardownLocked()
			return errAccessLost
		}
	}
	return nil
}

// revokesAccess lists the events after which the active channel may have
// become unreachable.
func revokesAccess(ev event.Event) bool {
	switch ev.(type) {
	case event.Ready, event.ChannelDelete, event.MemberRemove:
		return true
	}
	return false
}

// teardownLocked closes the session after access loss and clears the
// presence state of the scope. Callers hold c.mu.
func (c *Controller) teardownLocked() {
	guild := c.scope.GuildID
	c.stopLocked()
	c.store.ResetScope(guild)
	c.setStateLocked(Disconnected)
	c.log.Info("active channel lost, scope torn down",
		zap.String("guild_id", string(guild)),
		zap.String("channel_id", string(c.scope.ActiveChannel)),
	)
}
