package reconcile

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/logging"
)

// Counters holds the per-room and global unread counters shared by every
// Room and the Feed of one user. A derived value is what local state says;
// an override is the last authoritative chat_unread_count value and wins
// until the derived value next changes or the room resyncs.
type Counters struct {
	pub    events.Publisher
	logger *zap.Logger

	mu            sync.Mutex
	rooms         map[string]*roomCounter
	totalOverride *int
	lastTotal     int
}

type roomCounter struct {
	derived  int
	override *int
}

func (c *roomCounter) value() int {
	if c.override != nil {
		return *c.override
	}
	return c.derived
}

// NewCounters creates counters that publish changes to pub (nil for none).
func NewCounters(pub events.Publisher, logger *zap.Logger) *Counters {
	return &Counters{
		pub:    events.OrNoop(pub),
		logger: logging.OrNop(logger),
		rooms:  make(map[string]*roomCounter),
	}
}

// Room returns the current unread count of roomID.
func (c *Counters) Room(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.rooms[roomID]; ok {
		return rc.value()
	}
	return 0
}

// Total returns the global unread count.
func (c *Counters) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

func (c *Counters) totalLocked() int {
	if c.totalOverride != nil {
		return *c.totalOverride
	}
	n := 0
	for _, rc := range c.rooms {
		n += rc.value()
	}
	return n
}

// Derived records a locally derived count for roomID. It clears the room and
// total overrides when the derived value changed and reports whether any
// visible counter changed.
func (c *Counters) Derived(ctx context.Context, roomID string, n int) bool {
	c.mu.Lock()
	rc := c.room(roomID)
	before := rc.value()
	if rc.derived != n {
		rc.derived = n
		rc.override = nil
		c.totalOverride = nil
	}
	changed := c.settle(ctx, roomID, before, rc, false)
	c.mu.Unlock()
	return changed
}

// Reset drops any override for roomID and records its derived count. It is
// called after a resync, which is authoritative.
func (c *Counters) Reset(ctx context.Context, roomID string, n int) bool {
	c.mu.Lock()
	rc := c.room(roomID)
	before := rc.value()
	rc.derived = n
	rc.override = nil
	c.totalOverride = nil
	changed := c.settle(ctx, roomID, before, rc, false)
	c.mu.Unlock()
	return changed
}

// Override applies an authoritative counter event. roomID may be empty when
// the server only reports the total.
func (c *Counters) Override(ctx context.Context, roomID string, room, total int) bool {
	c.mu.Lock()
	changed := false
	if roomID != "" {
		rc := c.room(roomID)
		before := rc.value()
		r := room
		rc.override = &r
		changed = c.settle(ctx, roomID, before, rc, true)
	}
	t := total
	c.totalOverride = &t
	if c.publishTotal(ctx, true) {
		changed = true
	}
	c.mu.Unlock()
	return changed
}

func (c *Counters) room(roomID string) *roomCounter {
	rc, ok := c.rooms[roomID]
	if !ok {
		rc = &roomCounter{}
		c.rooms[roomID] = rc
	}
	return rc
}

// settle publishes room and total changes. Called with c.mu held; the
// publisher never blocks.
func (c *Counters) settle(ctx context.Context, roomID string, before int, rc *roomCounter, authoritative bool) bool {
	changed := false
	if v := rc.value(); v != before {
		changed = true
		c.publish(ctx, events.TopicRoomUnread, events.RoomUnreadChanged{RoomID: roomID, Count: v, Authoritative: authoritative})
	}
	if c.publishTotal(ctx, authoritative) {
		changed = true
	}
	return changed
}

func (c *Counters) publishTotal(ctx context.Context, authoritative bool) bool {
	t := c.totalLocked()
	if t == c.lastTotal {
		return false
	}
	c.lastTotal = t
	c.publish(ctx, events.TopicTotalUnread, events.TotalUnreadChanged{Count: t, Authoritative: authoritative})
	return true
}

func (c *Counters) publish(ctx context.Context, topic string, ev any) {
	if err := c.pub.Publish(ctx, topic, ev); err != nil {
		c.logger.Warn("reconcile: publishing counter", zap.String("topic", topic), zap.Error(err))
	}
}
