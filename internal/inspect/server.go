// Package inspect serves the reconciled state over HTTP for the UI layer
// and for debugging: JSON snapshots per slice, Prometheus metrics, a
// websocket that announces every new state version, and the user actions
// under /actions (preview retry, username refresh).
package inspect

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/state"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

// Source is the part of the state store the server reads.
type Source interface {
	Snapshot() state.State
	Subscribe() (<-chan uint64, func())
}

type Server struct {
	cfg      *config.InspectConfig
	src      Source
	actions  Actions
	gatherer prometheus.Gatherer
	log      *zap.Logger
	hub      *hub
	engine   *gin.Engine
}

// New builds the router. gatherer may be nil, in which case /metrics is
// not registered.
func New(cfg *config.InspectConfig, src Source, gatherer prometheus.Gatherer, m *metrics.Metrics, log *zap.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	log = logger.OrNop(log).Named("inspect")

	s := &Server{
		cfg:      cfg,
		src:      src,
		gatherer: gatherer,
		log:      log,
		hub:      newHub(m),
		engine:   gin.New(),
	}
	s.engine.Use(recovery(log), requestLogger(log), observe(m), cors())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/healthz", s.health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	st := r.Group("/state")
	{
		st.GET("", s.fullState)
		st.GET("/messages/:channel_id", s.channelMessages)
		st.GET("/reactions", s.reactions)
		st.GET("/presence/:guild_id", s.presence)
		st.GET("/voice", s.voice)
		st.GET("/usernames", s.usernames)
		st.GET("/previews", s.previews)
		st.GET("/stream", s.stream)
	}

	act := r.Group("/actions")
	{
		act.POST("/previews/:id/retry", s.retryPreview)
		act.POST("/usernames/refresh", s.refreshUsernames)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on cfg.Addr until ctx ends, then closes open streams and
// shuts down with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("inspect server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.closeAll()
		return err
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.src.Snapshot().Version,
	})
}

func (s *Server) fullState(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Snapshot())
}

func (s *Server) channelMessages(c *gin.Context) {
	id := model.ChannelID(c.Param("channel_id"))
	snap := s.src.Snapshot()

	msgs, ok := snap.Messages[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel_id": id,
		"version":    snap.Version,
		"messages":   msgs,
	})
}

// reactions returns the combined view, optionally narrowed to one message
// with ?message_id=.
func (s *Server) reactions(c *gin.Context) {
	snap := s.src.Snapshot()
	view := snap.ReactionView()

	if msg := c.Query("message_id"); msg != "" {
		prefix := msg + "|"
		for key := range view {
			if !strings.HasPrefix(key, prefix) {
				delete(view, key)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"reactions": view,
	})
}

func (s *Server) presence(c *gin.Context) {
	id := model.GuildID(c.Param("guild_id"))
	snap := s.src.Snapshot()

	online := snap.OnlineUsers(id)
	if online == nil {
		online = []model.UserID{}
	}
	c.JSON(http.StatusOK, gin.H{
		"guild_id": id,
		"version":  snap.Version,
		"online":   online,
	})
}

type voiceRoster struct {
	GuildID      model.GuildID            `json:"guild_id"`
	ChannelID    model.ChannelID          `json:"channel_id"`
	Participants []model.VoiceParticipant `json:"participants"`
}

func (s *Server) voice(c *gin.Context) {
	snap := s.src.Snapshot()

	rosters := make([]voiceRoster, 0, len(snap.Voice))
	for key, list := range snap.Voice {
		rosters = append(rosters, voiceRoster{GuildID: key.GuildID, ChannelID: key.ChannelID, Participants: list})
	}
	slices.SortFunc(rosters, func(a, b voiceRoster) int {
		return strings.Compare(string(a.GuildID)+"/"+string(a.ChannelID), string(b.GuildID)+"/"+string(b.ChannelID))
	})
	c.JSON(http.StatusOK, gin.H{
		"version": snap.Version,
		"rosters": rosters,
	})
}

func (s *Server) usernames(c *gin.Context) {
	snap := s.src.Snapshot()
	names := snap.Usernames
	if names == nil {
		names = map[model.UserID]string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"usernames": names,
	})
}

// previews lists attachment ids per status, or the status of one
// attachment with ?id=.
func (s *Server) previews(c *gin.Context) {
	snap := s.src.Snapshot()

	if id := c.Query("id"); id != "" {
		c.JSON(http.StatusOK, gin.H{
			"id":     id,
			"status": snap.PreviewStatus(model.AttachmentID(id)),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": snap.Version,
		"loading": sortedIDs(snap.PreviewLoading),
		"loaded":  sortedIDs(snap.PreviewLoaded),
		"failed":  sortedIDs(snap.PreviewFailed),
	})
}

func sortedIDs(set map[model.AttachmentID]struct{}) []model.AttachmentID {
	out := make([]model.AttachmentID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
