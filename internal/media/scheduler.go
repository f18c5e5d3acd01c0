// Package media schedules inline preview downloads for message
// attachments, retrying failures with capped exponential backoff.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/backoff"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

var (
	ErrClosed   = errors.New("media: scheduler closed")
	ErrTooLarge = errors.New("media: preview exceeds size cap")
)

// Downloader fetches preview bytes of one attachment.
type Downloader interface {
	DownloadAttachmentPreview(ctx context.Context, id model.AttachmentID) ([]byte, error)
}

// Sink receives status changes; the state store implements it.
type Sink interface {
	SetPreviewStatus(id model.AttachmentID, status model.PreviewStatus)
}

type Options struct {
	Policy     backoff.Policy
	MaxRetries int
	MaxBytes   int64
	// Permanent reports errors that must not be retried, e.g. a missing
	// attachment. Nil retries everything.
	Permanent func(error) bool

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig converts the media_preview config section.
func OptionsFromConfig(cfg *config.MediaPreviewConfig) Options {
	return Options{
		Policy:     backoff.Policy{Base: cfg.BaseDelay, Growth: cfg.Growth, Max: cfg.MaxDelay},
		MaxRetries: cfg.MaxRetries,
		MaxBytes:   cfg.MaxBytes,
	}
}

// target is one attachment being previewed. gen changes whenever a new
// attempt starts so results of superseded attempts are ignored.
type target struct {
	att     model.Attachment
	status  model.PreviewStatus
	retries int
	gen     uint64
	timer   clockwork.Timer
	cancel  context.CancelFunc
	data    []byte
}

// Scheduler 附件预览调度器
//
// Targets are keyed by attachment id. Sync may be called with a fresh
// message slice on every render; attachments that stay present keep their
// state and timers, attachments that disappear are cancelled.
type Scheduler struct {
	mu      sync.Mutex
	targets map[model.AttachmentID]*target
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dl    Downloader
	sink  Sink
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger
	m     *metrics.Metrics
}

func NewScheduler(dl Downloader, sink Sink, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = config.Default().MediaPreview.MaxBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		targets: make(map[model.AttachmentID]*target),
		ctx:     ctx,
		cancel:  cancel,
		dl:      dl,
		sink:    sink,
		opts:    opts,
		clock:   opts.Clock,
		log:     logger.OrNop(opts.Logger).Named("media"),
		m:       opts.Metrics,
	}
}

// Sync makes the eligible attachments of msgs the target set.
func (s *Scheduler) Sync(msgs []model.Message) error {
	want := make(map[model.AttachmentID]model.Attachment)
	for _, m := range msgs {
		for _, att := range m.Attachments {
			if Eligible(att, s.opts.MaxBytes) {
				want[att.ID] = att
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for id, t := range s.targets {
		if _, keep := want[id]; keep {
			continue
		}
		s.drop(t)
		delete(s.targets, id)
		s.sink.SetPreviewStatus(id, model.PreviewIdle)
		s.m.ObservePreview(metrics.PreviewCanceled)
	}
	for id, att := range want {
		if _, ok := s.targets[id]; ok {
			continue
		}
		t := &target{att: att}
		s.targets[id] = t
		s.start(t)
	}
	return nil
}

// Retry restarts a target that gave up. It reports false for unknown
// targets and targets that are not failed.
func (s *Scheduler) Retry(id model.AttachmentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if s.closed || !ok || t.status != model.PreviewFailed {
		return false
	}
	t.retries = 0
	s.start(t)
	return true
}

// Status reports where one target stands; untracked ids are idle.
func (s *Scheduler) Status(id model.AttachmentID) model.PreviewStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[id]; ok {
		return t.status
	}
	return model.PreviewIdle
}

// Preview returns the downloaded bytes of a loaded target.
func (s *Scheduler) Preview(id model.AttachmentID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok || t.status != model.PreviewLoaded {
		return nil, false
	}
	return t.data, true
}

// Close cancels every timer and download and waits for running downloads
// to return. No Sink call happens after Close returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.targets {
		s.drop(t)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// start launches a download attempt. Callers hold s.mu.
func (s *Scheduler) start(t *target) {
	t.gen++
	t.timer = nil
	if t.status != model.PreviewLoading {
		t.status = model.PreviewLoading
		s.sink.SetPreviewStatus(t.att.ID, model.PreviewLoading)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	gen := t.gen

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		data, err := s.dl.DownloadAttachmentPreview(ctx, t.att.ID)
		if err == nil && int64(len(data)) >= s.opts.MaxBytes {
			err = fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
		}
		s.finish(t, gen, data, err)
	}()
}

// drop stops whatever t is waiting on. Callers hold s.mu.
func (s *Scheduler) drop(t *target) {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (s *Scheduler) finish(t *target, gen uint64, data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || t.gen != gen || s.targets[t.att.ID] != t {
		return
	}
	t.cancel = nil
	id := t.att.ID

	if err == nil {
		t.status = model.PreviewLoaded
		t.data = data
		s.sink.SetPreviewStatus(id, model.PreviewLoaded)
		s.m.ObservePreview(metrics.PreviewLoaded)
		return
	}

	t.retries++
	permanent := errors.Is(err, ErrTooLarge) || (s.opts.Permanent != nil && s.opts.Permanent(err))
	if permanent || t.retries > s.opts.MaxRetries {
		t.status = model.PreviewFailed
		s.sink.SetPreviewStatus(id, model.PreviewFailed)
		s.m.ObservePreview(metrics.PreviewFailed)
		s.log.Info("preview failed",
			zap.String("attachment_id", string(id)),
			zap.Int("attempts", t.retries),
			zap.Error(err),
		)
		return
	}

	delay := s.opts.Policy.Delay(t.retries)
	s.m.ObservePreview(metrics.PreviewRetry)
	s.log.Debug("preview retry scheduled",
		zap.String("attachment_id", string(id)),
		zap.Int("retry", t.retries),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	gen = t.gen
	t.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || t.gen != gen || s.targets[id] != t {
			return
		}
		s.start(t)
	})
}
