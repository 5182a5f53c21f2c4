// Package presence tracks who is online and who is typing in each chat room.
//
// The Tracker is fed the user_joined, user_left, typing and chat_message
// frames of a room's channel. Typing indicators expire on their own because
// a peer that disconnects mid-sentence never sends is_typing=false; a
// background reaper clears them and marks long-silent users offline.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
)

// Entry represents a single user's presence in a room.
type Entry struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	Typing     bool      `json:"typing"`
	LastSeen   time.Time `json:"last_seen"`
	FirstSeen  time.Time `json:"first_seen"`
	IdleSecs   float64   `json:"idle_secs"`           // seconds since last frame
	EventCount int64     `json:"event_count"`         // total frames seen
	Reaped     bool      `json:"reaped,omitempty"`    // true if reaper marked offline
	ReapedAt   time.Time `json:"reaped_at,omitempty"` // when reaped
}

// ReaperConfig configures the background sweep.
type ReaperConfig struct {
	// TypingTimeout is how long a typing indicator lives without a refresh.
	// Default: 6 seconds.
	TypingTimeout time.Duration

	// IdleThreshold is how long a user may stay silent before being marked
	// offline. Default: 15 minutes.
	IdleThreshold time.Duration

	// EvictAfter is how long after being reaped before a user is removed
	// from the room entirely. Default: 30 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the reaper scans. Default: 1 second.
	SweepInterval time.Duration
}

// Tracker maintains per-room presence.
type Tracker struct {
	pub events.Publisher
	log *zap.Logger
	now func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[string]*userState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type userState struct {
	firstSeen  time.Time
	lastSeen   time.Time
	typingAt   time.Time
	online     bool
	typing     bool
	eventCount int64
	reaped     bool
	reapedAt   time.Time
}

// New creates a tracker that publishes PresenceChanged on pub.
func New(pub events.Publisher, logger *zap.Logger) *Tracker {
	return &Tracker{
		pub:   events.OrNoop(pub),
		log:   logging.OrNop(logger),
		now:   time.Now,
		rooms: make(map[string]map[string]*userState),
	}
}

// Apply folds a channel frame of roomID into presence. It reports whether
// the online or typing sets changed.
func (t *Tracker) Apply(ctx context.Context, roomID string, ev protocol.Event) bool {
	var changed bool
	switch e := ev.(type) {
	case protocol.UserJoined:
		changed = t.update(roomID, e.UserID, func(s *userState) {
			s.online = true
		})
	case protocol.UserLeft:
		changed = t.update(roomID, e.UserID, func(s *userState) {
			s.online = false
			s.typing = false
		})
	case protocol.Typing:
		changed = t.update(roomID, e.UserID, func(s *userState) {
			s.online = true
			s.typing = e.IsTyping
			if e.IsTyping {
				s.typingAt = s.lastSeen
			}
		})
	case protocol.ChatMessage:
		changed = t.update(roomID, e.Data.SenderID, func(s *userState) {
			s.online = true
			s.typing = false
		})
	default:
		return false
	}
	if changed {
		t.publish(ctx, roomID)
	}
	return changed
}

func (t *Tracker) update(roomID, userID string, fn func(s *userState)) bool {
	if roomID == "" || userID == "" {
		return false
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]*userState)
		t.rooms[roomID] = room
	}
	state, ok := room[userID]
	if !ok {
		state = &userState{firstSeen: now}
		room[userID] = state
	}

	// Resurrect reaped users that come back.
	if state.reaped {
		t.log.Debug("presence: user back", zap.String("room", roomID), zap.String("user", userID))
		state.reaped = false
		state.reapedAt = time.Time{}
	}

	wasOnline, wasTyping := state.online, state.typing
	state.lastSeen = now
	state.eventCount++
	fn(state)
	return state.online != wasOnline || state.typing != wasTyping
}

// Snapshot returns the sorted online and typing user ids of roomID.
func (t *Tracker) Snapshot(roomID string) (online, typing []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(roomID)
}

func (t *Tracker) snapshotLocked(roomID string) (online, typing []string) {
	online, typing = []string{}, []string{}
	for id, s := range t.rooms[roomID] {
		if s.online {
			online = append(online, id)
		}
		if s.typing {
			typing = append(typing, id)
		}
	}
	sort.Strings(online)
	sort.Strings(typing)
	return online, typing
}

// Roster returns every user seen in roomID, most recently active first.
func (t *Tracker) Roster(roomID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	entries := make([]Entry, 0, len(t.rooms[roomID]))
	for id, s := range t.rooms[roomID] {
		entries = append(entries, Entry{
			UserID:     id,
			Online:     s.online,
			Typing:     s.typing,
			LastSeen:   s.lastSeen,
			FirstSeen:  s.firstSeen,
			IdleSecs:   now.Sub(s.lastSeen).Seconds(),
			EventCount: s.eventCount,
			Reaped:     s.reaped,
			ReapedAt:   s.reapedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Forget drops all presence of roomID.
func (t *Tracker) Forget(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}

func (t *Tracker) publish(ctx context.Context, roomID string) {
	online, typing := t.Snapshot(roomID)
	if err := t.pub.Publish(ctx, events.TopicPresenceChanged, events.PresenceChanged{
		RoomID: roomID,
		Online: online,
		Typing: typing,
	}); err != nil {
		t.log.Warn("presence: publishing change", zap.String("room", roomID), zap.Error(err))
	}
}

// StartReaper launches the background sweep. Call Stop to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.TypingTimeout == 0 {
		cfg.TypingTimeout = 6 * time.Second
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 15 * time.Minute
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	t.log.Debug("presence: reaper started",
		zap.Duration("typing_timeout", cfg.TypingTimeout),
		zap.Duration("idle_threshold", cfg.IdleThreshold))
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := t.now()
	changed := make(map[string]bool)

	t.mu.Lock()
	for roomID, room := range t.rooms {
		for id, s := range room {
			if s.reaped {
				if !s.reapedAt.IsZero() && now.Sub(s.reapedAt) > cfg.EvictAfter {
					delete(room, id)
				}
				continue
			}
			if s.typing && now.Sub(s.typingAt) > cfg.TypingTimeout {
				s.typing = false
				changed[roomID] = true
			}
			if now.Sub(s.lastSeen) > cfg.IdleThreshold {
				s.reaped = true
				s.reapedAt = now
				if s.online {
					s.online = false
					changed[roomID] = true
				}
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	for roomID := range changed {
		t.publish(context.Background(), roomID)
	}
}
