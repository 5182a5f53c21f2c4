package reconcile

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
)

// Feed is the reconciled notification list of one user, newest first.
// Notifications are deduplicated strictly by id.
type Feed struct {
	userID string
	opts   Options
	pub    events.Publisher

	mu    sync.Mutex
	items []model.Notification
	seen  map[string]struct{}
}

// NewFeed creates an empty feed. Alerts are published on pub (nil for none).
func NewFeed(userID string, pub events.Publisher, opts Options) *Feed {
	opts = opts.withDefaults()
	return &Feed{
		userID: userID,
		opts:   opts,
		pub:    events.OrNoop(pub),
		seen:   make(map[string]struct{}),
	}
}

// Counters returns the counters the feed reports to.
func (f *Feed) Counters() *Counters { return f.opts.Counters }

// Apply folds one decoded notification-stream event into the feed.
func (f *Feed) Apply(ctx context.Context, ev protocol.Event) Delta {
	switch e := ev.(type) {
	case protocol.NotificationEvent:
		return f.add(ctx, e.Data)
	case protocol.UnreadCount:
		changed := f.opts.Counters.Override(ctx, e.RoomID, e.RoomUnreadCount, e.TotalUnreadCount)
		return f.counted(Delta{CountersChanged: changed}, e.RoomID)
	}
	return Delta{}
}

func (f *Feed) add(ctx context.Context, n model.Notification) Delta {
	f.mu.Lock()
	if _, ok := f.seen[n.ID]; ok {
		f.mu.Unlock()
		f.opts.Metrics.Duplicate("notification")
		return f.counted(Delta{Duplicate: true}, "")
	}
	f.seen[n.ID] = struct{}{}
	f.insert(n)
	f.mu.Unlock()

	if err := f.pub.Publish(ctx, events.TopicNotificationAlert, events.NotificationAlert{Notification: n}); err != nil {
		f.opts.Logger.Warn("reconcile: publishing alert", zap.String("notification", n.ID), zap.Error(err))
	}
	return f.counted(Delta{
		Notifications: []model.Notification{n},
		Alerts:        []model.Notification{n},
	}, "")
}

// Resync replaces the feed with an authoritative snapshot. Snapshot entries
// never alert.
func (f *Feed) Resync(ctx context.Context, snapshot []model.Notification) Delta {
	f.mu.Lock()
	f.items = f.items[:0]
	f.seen = make(map[string]struct{}, len(snapshot))
	for _, n := range snapshot {
		if _, dup := f.seen[n.ID]; dup {
			f.opts.Metrics.Duplicate("notification")
			continue
		}
		f.seen[n.ID] = struct{}{}
		f.items = append(f.items, n)
	}
	sort.SliceStable(f.items, func(i, j int) bool { return newer(&f.items[i], &f.items[j]) })
	f.mu.Unlock()
	return f.counted(Delta{Reset: true}, "")
}

// MarkRead marks a notification read locally. It reports false when the
// notification is unknown or already read.
func (f *Feed) MarkRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id {
			if f.items[i].Read {
				return false
			}
			f.items[i].Read = true
			return true
		}
	}
	return false
}

// Items returns a copy of the feed, newest first.
func (f *Feed) Items() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Notification, len(f.items))
	copy(out, f.items)
	return out
}

// Unread returns the number of unread notifications.
func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.items {
		if !f.items[i].Read {
			n++
		}
	}
	return n
}

// UnreadByType groups unread notifications by type.
func (f *Feed) UnreadByType() map[model.NotificationType]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[model.NotificationType]int)
	for i := range f.items {
		if !f.items[i].Read {
			out[f.items[i].Type]++
		}
	}
	return out
}

func (f *Feed) insert(n model.Notification) {
	i := sort.Search(len(f.items), func(i int) bool { return newer(&n, &f.items[i]) })
	f.items = append(f.items, model.Notification{})
	copy(f.items[i+1:], f.items[i:])
	f.items[i] = n
}

func (f *Feed) counted(d Delta, roomID string) Delta {
	if roomID != "" {
		d.RoomUnread = f.opts.Counters.Room(roomID)
	}
	d.TotalUnread = f.opts.Counters.Total()
	return d
}

// newer orders notifications newest first, ties by id descending.
func newer(a, b *model.Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
