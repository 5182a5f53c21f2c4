package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/channel"
	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
	"github.com/alfredjeanlab/dealroom/internal/reconcile"
)

// Observer receives each notification the first time it is seen live.
// Snapshot entries from a resync are not observed. ObserveNotification runs
// on the channel goroutine and must not block.
type Observer interface {
	ObserveNotification(ctx context.Context, n model.Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, n model.Notification)

func (f ObserverFunc) ObserveNotification(ctx context.Context, n model.Notification) { f(ctx, n) }

// FeedOptions configures a Feed. API and Channels are required.
type FeedOptions struct {
	Identity  model.Identity
	API       client.API
	Channels  *channel.Manager
	Publisher events.Publisher
	Reconcile reconcile.Options
	Observers []Observer
	OnDelta   func(reconcile.Delta)
	// ResyncBackoff spaces retries of a failed snapshot fetch. Zero uses the
	// channel manager's reconnect backoff.
	ResyncBackoff channel.Backoff
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Feed is the user's open notification stream.
type Feed struct {
	opts   FeedOptions
	view   *reconcile.Feed
	handle *channel.Handle
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	syncing    bool
	syncGen    int
	syncCancel context.CancelFunc
	buffered   []protocol.Event
}

// OpenFeed opens the user's notification channel.
func OpenFeed(ctx context.Context, opts FeedOptions) (*Feed, error) {
	if opts.Identity.UserID == "" {
		return nil, model.NewValidationError("user_id", "is required")
	}
	if opts.API == nil || opts.Channels == nil {
		return nil, errors.New("engine: API and Channels are required")
	}
	if opts.Reconcile.Metrics == nil {
		opts.Reconcile.Metrics = opts.Metrics
	}
	if opts.ResyncBackoff.Base <= 0 {
		opts.ResyncBackoff = opts.Channels.Backoff()
	}
	fctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		opts:   opts,
		view:   reconcile.NewFeed(opts.Identity.UserID, opts.Publisher, opts.Reconcile),
		log:    logging.OrNop(opts.Logger).With(zap.String("user", opts.Identity.UserID)),
		ctx:    fctx,
		cancel: cancel,
	}
	f.handle = opts.Channels.Open(fctx, channel.NotificationStream(opts.Identity.UserID), opts.Identity, f)
	return f, nil
}

// Items returns the feed, newest first.
func (f *Feed) Items() []model.Notification { return f.view.Items() }

// Unread returns the number of unread notifications.
func (f *Feed) Unread() int { return f.view.Unread() }

// UnreadByType groups unread notifications by type.
func (f *Feed) UnreadByType() map[model.NotificationType]int { return f.view.UnreadByType() }

// TotalUnread returns the global unread message count.
func (f *Feed) TotalUnread() int { return f.view.Counters().Total() }

// Session returns the channel's current connection attempt.
func (f *Feed) Session() channel.Session { return f.handle.Session() }

// Close closes the channel. It is safe to call more than once, but not from
// OnDelta or an Observer, which run on the channel goroutine Close waits for.
func (f *Feed) Close() {
	f.cancel()
	f.handle.Close()
}

// MarkRead marks a notification read locally, then tells the server.
func (f *Feed) MarkRead(ctx context.Context, id string) error {
	if !f.view.MarkRead(id) {
		return nil
	}
	if err := f.opts.API.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return nil
}

func (f *Feed) HandleOpen(_ context.Context, s channel.Session) {
	f.mu.Lock()
	if f.syncCancel != nil {
		f.syncCancel()
	}
	f.syncGen++
	gen := f.syncGen
	f.syncing = true
	sctx, cancel := context.WithCancel(f.ctx)
	f.syncCancel = cancel
	f.mu.Unlock()

	f.log.Debug("engine: feed resync", zap.String("session", s.ID))
	go f.resync(sctx, gen)
}

func (f *Feed) resync(ctx context.Context, gen int) {
	var (
		items []model.Notification
		total int
	)
	ok := retryFetch(ctx, f.opts.ResyncBackoff, f.log, f.opts.Metrics, func(ctx context.Context) error {
		var err error
		if items, err = f.opts.API.ListNotifications(ctx); err != nil {
			return err
		}
		total, err = f.opts.API.TotalUnreadCount(ctx)
		return err
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if !ok || gen != f.syncGen || f.ctx.Err() != nil {
		return
	}
	f.syncing = false
	f.syncCancel = nil
	buffered := f.buffered
	f.buffered = nil

	f.emit(f.view.Resync(f.ctx, items))
	f.emit(reconcile.Delta{CountersChanged: f.view.Counters().Override(f.ctx, "", 0, total)})
	for _, ev := range buffered {
		f.apply(f.ctx, ev)
	}
}

func (f *Feed) HandleEvent(ctx context.Context, raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		f.log.Debug("engine: dropping frame", zap.Error(err))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncing {
		f.buffered = append(f.buffered, ev)
		return
	}
	f.apply(ctx, ev)
}

// apply must be called with f.mu held.
func (f *Feed) apply(ctx context.Context, ev protocol.Event) {
	d := f.view.Apply(ctx, ev)
	f.emit(d)
	for _, n := range d.Notifications {
		for _, o := range f.opts.Observers {
			o.ObserveNotification(ctx, n)
		}
	}
}

func (f *Feed) emit(d reconcile.Delta) {
	if f.opts.OnDelta != nil && !d.Empty() {
		f.opts.OnDelta(d)
	}
}
