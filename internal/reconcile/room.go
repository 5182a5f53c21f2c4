// Package reconcile merges live socket events and authoritative snapshots
// into one consistent, ordered, duplicate-free view per chat room and per
// notification feed, and derives unread counters from it.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
)

// DefaultDedupWindow is how far apart an echo and its optimistic original
// may be stamped and still be treated as the same message.
const DefaultDedupWindow = time.Second

// Delta reports what one Apply or Resync changed.
type Delta struct {
	// Added holds messages inserted into the room.
	Added []model.Message
	// Updated holds messages changed in place (read, flagged, id adopted).
	Updated []model.Message
	// Removed holds the local ids of withdrawn optimistic messages.
	Removed []string
	// Notifications holds notifications inserted into the feed.
	Notifications []model.Notification
	// Alerts holds notifications that should raise a user-visible alert.
	// Only notifications never seen before alert.
	Alerts []model.Notification

	// Duplicate is set when the event was already known and was dropped.
	Duplicate bool
	// Reset is set when a resync replaced local state.
	Reset bool

	CountersChanged bool
	RoomUnread      int
	TotalUnread     int
}

// Empty reports whether the delta carries no visible change.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0 && len(d.Notifications) == 0 &&
		!d.Reset && !d.CountersChanged
}

// Options configures a Room or Feed. Zero values take defaults.
type Options struct {
	DedupWindow time.Duration
	Counters    *Counters
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Counters == nil {
		o.Counters = NewCounters(nil, o.Logger)
	}
	return o
}

// Room is the reconciled message list of one chat room. All methods are
// safe for concurrent use; events for a room never apply concurrently.
type Room struct {
	id     string
	selfID string
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	msgs    []model.Message // ordered by (created_at, id); pending entries have no id
	ids     map[string]struct{}
	flags   map[string]string // parked flags for ids not yet seen
	reads   map[string]struct{}
	adopted map[string]string // local id -> server id
}

// NewRoom creates an empty room view for selfID.
func NewRoom(roomID, selfID string, opts Options) *Room {
	opts = opts.withDefaults()
	return &Room{
		id:      roomID,
		selfID:  selfID,
		opts:    opts,
		log:     opts.Logger.With(zap.String("room", roomID)),
		ids:     make(map[string]struct{}),
		flags:   make(map[string]string),
		reads:   make(map[string]struct{}),
		adopted: make(map[string]string),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Counters returns the counters the room reports to.
func (r *Room) Counters() *Counters { return r.opts.Counters }

// Messages returns a copy of the ordered message list.
func (r *Room) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Lookup returns the message with the given server id.
func (r *Room) Lookup(id string) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(id); i >= 0 {
		return r.msgs[i], true
	}
	return model.Message{}, false
}

// Unread returns the room's current unread count.
func (r *Room) Unread() int {
	return r.opts.Counters.Room(r.id)
}

// Apply folds one decoded socket event into the room. Events that do not
// concern the message list (typing, presence, errors) return an empty delta.
func (r *Room) Apply(ctx context.Context, ev protocol.Event) Delta {
	switch e := ev.(type) {
	case protocol.ChatMessage:
		return r.applyMessage(ctx, e.Data)
	case protocol.MessageRead:
		return r.applyRead(ctx, e.MessageID)
	case protocol.MessageFlagged:
		return r.applyFlag(ctx, e.MessageID, e.Reason)
	case protocol.UnreadCount:
		if e.RoomID != "" && e.RoomID != r.id {
			return Delta{}
		}
		changed := r.opts.Counters.Override(ctx, r.id, e.RoomUnreadCount, e.TotalUnreadCount)
		return r.counted(Delta{CountersChanged: changed})
	}
	return Delta{}
}

func (r *Room) applyMessage(ctx context.Context, m model.Message) Delta {
	if m.ID == "" || (m.RoomID != "" && m.RoomID != r.id) {
		return Delta{}
	}
	m.RoomID = r.id
	m.LocalID, m.Pending = "", false

	r.mu.Lock()
	if _, ok := r.ids[m.ID]; ok {
		r.mu.Unlock()
		r.opts.Metrics.Duplicate("message")
		return r.counted(Delta{Duplicate: true})
	}
	if i := r.matchPending(m); i >= 0 {
		// The echo of an optimistic send: keep one entry, learn the server id.
		local := r.msgs[i]
		r.removeAt(i)
		m.LocalID = local.LocalID
		r.adopted[local.LocalID] = m.ID
		r.settleParked(&m)
		r.insert(m)
		n := r.derivedLocked()
		r.mu.Unlock()
		r.opts.Metrics.Duplicate("message")
		return r.counted(Delta{
			Duplicate:       true,
			Updated:         []model.Message{m},
			CountersChanged: r.opts.Counters.Derived(ctx, r.id, n),
		})
	}
	r.settleParked(&m)
	r.insert(m)
	n := r.derivedLocked()
	r.mu.Unlock()
	return r.counted(Delta{
		Added:           []model.Message{m},
		CountersChanged: r.opts.Counters.Derived(ctx, r.id, n),
	})
}

func (r *Room) applyRead(ctx context.Context, id string) Delta {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.reads[id] = struct{}{}
		r.mu.Unlock()
		return r.counted(Delta{})
	}
	if r.msgs[i].Read {
		r.mu.Unlock()
		return r.counted(Delta{Duplicate: true})
	}
	r.msgs[i].Read = true
	m := r.msgs[i]
	n := r.derivedLocked()
	r.mu.Unlock()
	return r.counted(Delta{
		Updated:         []model.Message{m},
		CountersChanged: r.opts.Counters.Derived(ctx, r.id, n),
	})
}

func (r *Room) applyFlag(ctx context.Context, id, reason string) Delta {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.flags[id] = reason
		r.mu.Unlock()
		r.log.Debug("reconcile: parked flag for unknown message", zap.String("message", id))
		return r.counted(Delta{})
	}
	m := &r.msgs[i]
	if m.Flagged && m.ModerationReason == reason {
		r.mu.Unlock()
		return r.counted(Delta{Duplicate: true})
	}
	m.Flagged = true
	m.ModerationReason = reason
	out := *m
	n := r.derivedLocked()
	r.mu.Unlock()
	return r.counted(Delta{
		Updated:         []model.Message{out},
		CountersChanged: r.opts.Counters.Derived(ctx, r.id, n),
	})
}

// Resync replaces local state with an authoritative snapshot. Optimistic
// entries that the snapshot does not contain are kept; parked flags and
// reads are applied to the snapshot. Counter overrides are cleared.
func (r *Room) Resync(ctx context.Context, snapshot []model.Message) Delta {
	sorted := make([]model.Message, 0, len(snapshot))
	seen := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			r.opts.Metrics.Duplicate("message")
			continue
		}
		seen[m.ID] = struct{}{}
		m.RoomID = r.id
		m.LocalID, m.Pending = "", false
		sorted = append(sorted, m)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(&sorted[j]) })

	r.mu.Lock()
	pending := make([]model.Message, 0)
	for _, m := range r.msgs {
		if m.Pending {
			pending = append(pending, m)
		}
	}
	r.msgs = sorted
	r.ids = seen
	for i := range r.msgs {
		r.settleParked(&r.msgs[i])
	}
	for _, p := range pending {
		if i := r.matchEcho(p); i >= 0 {
			r.msgs[i].LocalID = p.LocalID
			r.adopted[p.LocalID] = r.msgs[i].ID
			continue
		}
		r.insert(p)
	}
	n := r.derivedLocked()
	r.mu.Unlock()

	return r.counted(Delta{
		Reset:           true,
		CountersChanged: r.opts.Counters.Reset(ctx, r.id, n),
	})
}

// AddLocal inserts an optimistic message authored by the local user. m must
// carry LocalID; it is shown as pending until echoed or confirmed.
func (r *Room) AddLocal(m model.Message) Delta {
	m.ID = ""
	m.RoomID = r.id
	m.Pending = true
	if m.SenderID == "" {
		m.SenderID = r.selfID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.mu.Lock()
	r.insert(m)
	r.mu.Unlock()
	return Delta{Added: []model.Message{m}}
}

// ConfirmLocal records the server's response to an optimistic send. When
// the echo already arrived it only reports the adopted entry.
func (r *Room) ConfirmLocal(ctx context.Context, localID string, server model.Message) Delta {
	r.mu.Lock()
	if _, ok := r.adopted[localID]; ok {
		r.mu.Unlock()
		return r.counted(Delta{Duplicate: true})
	}
	i := r.indexOfLocal(localID)
	if i < 0 {
		r.mu.Unlock()
		// The optimistic entry is gone (resync); treat the response as an event.
		return r.applyMessage(ctx, server)
	}
	if _, ok := r.ids[server.ID]; ok {
		r.removeAt(i)
		r.adopted[localID] = server.ID
		n := r.derivedLocked()
		r.mu.Unlock()
		return r.counted(Delta{Duplicate: true, CountersChanged: r.opts.Counters.Derived(ctx, r.id, n)})
	}
	local := r.msgs[i]
	r.removeAt(i)
	server.RoomID = r.id
	server.LocalID = localID
	server.Pending = false
	if server.SenderID == "" {
		server.SenderID = local.SenderID
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = local.CreatedAt
	}
	r.adopted[localID] = server.ID
	r.settleParked(&server)
	r.insert(server)
	n := r.derivedLocked()
	r.mu.Unlock()
	return r.counted(Delta{
		Updated:         []model.Message{server},
		CountersChanged: r.opts.Counters.Derived(ctx, r.id, n),
	})
}

// RemoveLocal drops an optimistic message whose send failed. It reports
// whether the entry existed.
func (r *Room) RemoveLocal(localID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOfLocal(localID)
	if i < 0 || !r.msgs[i].Pending {
		return false
	}
	r.removeAt(i)
	return true
}

// MarkReadLocal marks a message read before the server acknowledges it.
// It reports false when the message is unknown or already read.
func (r *Room) MarkReadLocal(ctx context.Context, id string) (Delta, bool) {
	d := r.applyRead(ctx, id)
	return d, len(d.Updated) > 0
}

// UnreadIDs returns the ids of messages that count as unread, oldest first.
func (r *Room) UnreadIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if r.countsUnread(&m) {
			out = append(out, m.ID)
		}
	}
	return out
}

func (r *Room) counted(d Delta) Delta {
	d.RoomUnread = r.opts.Counters.Room(r.id)
	d.TotalUnread = r.opts.Counters.Total()
	return d
}

// countsUnread excludes flagged, own and pending messages.
func (r *Room) countsUnread(m *model.Message) bool {
	return !m.Read && !m.Flagged && !m.Pending && m.ID != "" && m.SenderID != r.selfID
}

func (r *Room) derivedLocked() int {
	n := 0
	for i := range r.msgs {
		if r.countsUnread(&r.msgs[i]) {
			n++
		}
	}
	return n
}

// matchPending finds the optimistic entry m is an echo of.
func (r *Room) matchPending(m model.Message) int {
	for i := range r.msgs {
		p := &r.msgs[i]
		if p.ID != "" {
			continue
		}
		if sameContent(p, &m) && within(p.CreatedAt, m.CreatedAt, r.opts.DedupWindow) {
			return i
		}
	}
	return -1
}

// matchEcho finds the server entry a pending message p was echoed as,
// ignoring entries that already adopted another local id.
func (r *Room) matchEcho(p model.Message) int {
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.ID == "" || m.LocalID != "" {
			continue
		}
		if sameContent(&p, m) && within(p.CreatedAt, m.CreatedAt, r.opts.DedupWindow) {
			return i
		}
	}
	return -1
}

func (r *Room) settleParked(m *model.Message) {
	if m.ID == "" {
		return
	}
	if reason, ok := r.flags[m.ID]; ok {
		m.Flagged = true
		m.ModerationReason = reason
		delete(r.flags, m.ID)
	}
	if _, ok := r.reads[m.ID]; ok {
		m.Read = true
		delete(r.reads, m.ID)
	}
}

func (r *Room) insert(m model.Message) {
	i := sort.Search(len(r.msgs), func(i int) bool { return m.Before(&r.msgs[i]) })
	r.msgs = append(r.msgs, model.Message{})
	copy(r.msgs[i+1:], r.msgs[i:])
	r.msgs[i] = m
	if m.ID != "" {
		r.ids[m.ID] = struct{}{}
	}
}

func (r *Room) removeAt(i int) {
	if id := r.msgs[i].ID; id != "" {
		delete(r.ids, id)
	}
	r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
}

func (r *Room) indexOf(id string) int {
	if id == "" {
		return -1
	}
	if _, ok := r.ids[id]; !ok {
		return -1
	}
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Room) indexOfLocal(localID string) int {
	for i := range r.msgs {
		if r.msgs[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func sameContent(a, b *model.Message) bool {
	return a.SenderID == b.SenderID && a.Body == b.Body
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
