package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Gopher0727/chatsync/internal/backoff"
	"github.com/Gopher0727/chatsync/internal/model"
)

const mib = 1 << 20

func TestEligible(t *testing.T) {
	tests := []struct {
		name string
		att  model.Attachment
		want bool
	}{
		{"image mime", model.Attachment{MimeType: "image/png", Filename: "x.bin", SizeBytes: 10}, true},
		{"video mime with params", model.Attachment{MimeType: "Video/MP4; codecs=avc1", SizeBytes: 10}, true},
		{"generic mime image ext", model.Attachment{MimeType: "application/octet-stream", Filename: "cat.JPG", SizeBytes: 10}, true},
		{"empty mime video ext", model.Attachment{Filename: "clip.webm", SizeBytes: 10}, true},
		{"generic mime unknown ext", model.Attachment{MimeType: "binary/octet-stream", Filename: "notes.txt", SizeBytes: 10}, false},
		{"specific non-media mime ignores ext", model.Attachment{MimeType: "application/pdf", Filename: "scan.png", SizeBytes: 10}, false},
		{"at size cap", model.Attachment{MimeType: "image/png", SizeBytes: 8 * mib}, false},
		{"just under cap", model.Attachment{MimeType: "image/png", SizeBytes: 8*mib - 1}, true},
		{"negative size", model.Attachment{MimeType: "image/png", SizeBytes: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.att, 8*mib))
		})
	}
}

func TestRetryDelayMs(t *testing.T) {
	want := []float64{250, 375, 562.5, 843.75, 1265.625}
	for i, w := range want {
		assert.InDelta(t, w, RetryDelayMs(i+1, backoff.MediaPreview), 1e-9)
	}
	assert.Equal(t, 10000.0, RetryDelayMs(500, backoff.MediaPreview))
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.PreviewStatus
	last   map[model.AttachmentID]model.PreviewStatus
}

func (r *recordingSink) SetPreviewStatus(id model.AttachmentID, status model.PreviewStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[model.AttachmentID]model.PreviewStatus)
	}
	r.events = append(r.events, status)
	r.last[id] = status
}

func (r *recordingSink) status(id model.AttachmentID) model.PreviewStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[id]
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls map[model.AttachmentID]int
	fail  func(id model.AttachmentID, call int) error
	block chan struct{}
}

func (d *fakeDownloader) DownloadAttachmentPreview(ctx context.Context, id model.AttachmentID) ([]byte, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[model.AttachmentID]int)
	}
	d.calls[id]++
	n := d.calls[id]
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail != nil {
		if err := d.fail(id, n); err != nil {
			return nil, err
		}
	}
	return []byte("preview:" + id), nil
}

func (d *fakeDownloader) callsFor(id model.AttachmentID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func newTestScheduler(t *testing.T, dl Downloader, sink Sink, clock clockwork.Clock) *Scheduler {
	t.Helper()
	s := NewScheduler(dl, sink, Options{
		Policy:     backoff.MediaPreview,
		MaxRetries: 5,
		MaxBytes:   8 * mib,
		Clock:      clock,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(s.Close)
	return s
}

func messagesWith(atts ...model.Attachment) []model.Message {
	return []model.Message{{ID: "m1", Attachments: atts}}
}

var png = model.Attachment{ID: "a1", Filename: "a.png", MimeType: "image/png", SizeBytes: 100}

func TestSchedulerLoads(t *testing.T) {
	dl := &fakeDownloader{}
	sink := &recordingSink{}
	s := newTestScheduler(t, dl, sink, clockwork.NewFakeClock())

	require.NoError(t, s.Sync(messagesWith(png, model.Attachment{ID: "doc", MimeType: "application/pdf"})))

	require.Eventually(t, func() bool { return s.Status("a1") == model.PreviewLoaded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.PreviewLoaded, sink.status("a1"))
	data, ok := s.Preview("a1")
	require.True(t, ok)
	assert.Equal(t, "preview:a1", string(data))
	assert.Zero(t, dl.callsFor("doc"))
	assert.Equal(t, model.PreviewIdle, s.Status("doc"))
}

func TestResyncKeepsTargets(t *testing.T) {
	dl := &fakeDownloader{}
	s := newTestScheduler(t, dl, &recordingSink{}, clockwork.NewFakeClock())

	require.NoError(t, s.Sync(messagesWith(png)))
	require.Eventually(t, func() bool { return s.Status("a1") == model.PreviewLoaded }, time.Second, 5*time.Millisecond)

	// a new slice holding the same attachment must not restart it
	for range 3 {
		require.NoError(t, s.Sync(append([]model.Message{}, messagesWith(png)...)))
	}
	assert.Equal(t, 1, dl.callsFor("a1"))
	assert.Equal(t, model.PreviewLoaded, s.Status("a1"))
}

func TestRetryScheduleAndGiveUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dl := &fakeDownloader{fail: func(model.AttachmentID, int) error { return errors.New("503") }}
	sink := &recordingSink{}
	s := newTestScheduler(t, dl, sink, clock)
	ctx := context.Background()

	require.NoError(t, s.Sync(messagesWith(png)))

	for retry := 1; retry <= 5; retry++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		require.Equal(t, retry, dl.callsFor("a1"))

		delay := backoff.MediaPreview.Delay(retry)
		clock.Advance(delay - time.Millisecond)
		assert.Equal(t, retry, dl.callsFor("a1"), "retry %d fired early", retry)
		clock.Advance(time.Millisecond)

		require.Eventually(t, func() bool { return dl.callsFor("a1") == retry+1 }, time.Second, time.Millisecond)
		assert.Equal(t, model.PreviewLoading, s.Status("a1"))
	}

	require.Eventually(t, func() bool { return s.Status("a1") == model.PreviewFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.PreviewFailed, sink.status("a1"))
	assert.Equal(t, 6, dl.callsFor("a1"))
}

func TestRetryAfterFailure(t *testing.T) {
	dl := &fakeDownloader{fail: func(_ model.AttachmentID, call int) error {
		if call == 1 {
			return errors.New("gone")
		}
		return nil
	}}
	s := NewScheduler(dl, &recordingSink{}, Options{
		Policy:     backoff.MediaPreview,
		MaxRetries: 0,
		Clock:      clockwork.NewFakeClock(),
	})
	defer s.Close()

	assert.False(t, s.Retry("a1"))
	require.NoError(t, s.Sync(messagesWith(png)))
	require.Eventually(t, func() bool { return s.Status("a1") == model.PreviewFailed }, time.Second, 5*time.Millisecond)

	require.True(t, s.Retry("a1"))
	require.Eventually(t, func() bool { return s.Status("a1") == model.PreviewLoaded }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Retry("a1"))
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	errMissing := errors.New("missing")
	dl := &fakeDownloader{fail: func(model.AttachmentID, int) error { return errMissing }}
	s := NewScheduler(dl, &recordingSink{}, Options{
		Policy:     backoff.MediaPreview,
		MaxRetries: 5,
		Permanent:  func(err error) bool { return errors.Is(err, errMissing) },
		Clock:      clockwork.NewFakeClock(),
	})
	defer s.Close()

	require.NoError(t, s.Sync(messagesWith(png)))
	require.Eventually(t, func() bool { return s.Status("a1") == model.PreviewFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dl.callsFor("a1"))
}

func TestRemovedTargetCancelsTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dl := &fakeDownloader{fail: func(model.AttachmentID, int) error { return errors.New("503") }}
	sink := &recordingSink{}
	s := newTestScheduler(t, dl, sink, clock)

	require.NoError(t, s.Sync(messagesWith(png)))
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))

	require.NoError(t, s.Sync(nil))
	assert.Equal(t, model.PreviewIdle, s.Status("a1"))
	assert.Equal(t, model.PreviewIdle, sink.status("a1"))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dl.callsFor("a1"))
}

func TestRemovedTargetCancelsDownload(t *testing.T) {
	dl := &fakeDownloader{block: make(chan struct{})}
	sink := &recordingSink{}
	s := newTestScheduler(t, dl, sink, clockwork.NewFakeClock())

	require.NoError(t, s.Sync(messagesWith(png)))
	require.Eventually(t, func() bool { return dl.callsFor("a1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Sync(nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, model.PreviewIdle, sink.status("a1"))
}

func TestCloseStopsEverything(t *testing.T) {
	dl := &fakeDownloader{block: make(chan struct{})}
	sink := &recordingSink{}
	s := NewScheduler(dl, sink, Options{Policy: backoff.MediaPreview, MaxRetries: 5, Clock: clockwork.NewFakeClock()})

	require.NoError(t, s.Sync(messagesWith(png)))
	require.Eventually(t, func() bool { return dl.callsFor("a1") == 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	n := sink.count()
	close(dl.block)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, n, sink.count(), "no sink call after Close")
	assert.ErrorIs(t, s.Sync(messagesWith(png)), ErrClosed)
	assert.NotPanics(t, s.Close)
}
