// Package engine wires channels, reconcilers and the transaction components
// into the two views a client keeps open: a chat room and the user's
// notification feed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/dealroom/internal/channel"
	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/idgen"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/presence"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
	"github.com/alfredjeanlab/dealroom/internal/reconcile"
)

// DefaultTypingInterval is the minimum spacing of outbound typing=true frames.
const DefaultTypingInterval = 2 * time.Second

// RoomOptions configures a Room. API and Channels are required.
type RoomOptions struct {
	RoomID   string
	Identity model.Identity

	API      client.API
	Channels *channel.Manager
	// Reconcile carries the shared counters and dedup window.
	Reconcile reconcile.Options
	Presence  *presence.Tracker

	TypingInterval time.Duration
	// ResyncBackoff spaces retries of a failed snapshot fetch. Zero uses the
	// channel manager's reconnect backoff.
	ResyncBackoff channel.Backoff

	// OnDelta receives every visible change. It runs on the channel's
	// goroutine or the caller's and must not block.
	OnDelta func(reconcile.Delta)
	// OnRejected receives moderation verdicts delivered over the socket.
	OnRejected func(*model.ModerationRejection)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Room is an open chat room: a reconciled message list kept in sync with
// the room's channel.
type Room struct {
	opts   RoomOptions
	view   *reconcile.Room
	handle *channel.Handle
	log    *zap.Logger
	typing *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders event application against resync replay.
	mu         sync.Mutex
	syncing    bool
	syncGen    int
	syncCancel context.CancelFunc
	buffered   []protocol.Event

	sendMu     sync.Mutex
	lastLocal  string // local id of the newest optimistic send
	lastBody   string
	typingSent bool
}

// OpenRoom opens the room's channel. The first open triggers a resync.
func OpenRoom(ctx context.Context, opts RoomOptions) (*Room, error) {
	if opts.RoomID == "" {
		return nil, model.NewValidationError("room_id", "is required")
	}
	if opts.API == nil || opts.Channels == nil {
		return nil, errors.New("engine: API and Channels are required")
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.ResyncBackoff.Base <= 0 {
		opts.ResyncBackoff = opts.Channels.Backoff()
	}
	opts.Reconcile.Logger = logging.OrNop(opts.Reconcile.Logger)
	if opts.Reconcile.Metrics == nil {
		opts.Reconcile.Metrics = opts.Metrics
	}
	log := logging.OrNop(opts.Logger).With(zap.String("room", opts.RoomID))

	rctx, cancel := context.WithCancel(ctx)
	r := &Room{
		opts:   opts,
		view:   reconcile.NewRoom(opts.RoomID, opts.Identity.UserID, opts.Reconcile),
		log:    log,
		typing: rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		ctx:    rctx,
		cancel: cancel,
	}
	r.handle = opts.Channels.Open(rctx, channel.ChatStream(opts.RoomID), opts.Identity, r)
	return r, nil
}

// ID returns the room id.
func (r *Room) ID() string { return r.opts.RoomID }

// Messages returns the ordered message list.
func (r *Room) Messages() []model.Message { return r.view.Messages() }

// Unread returns the room's unread count.
func (r *Room) Unread() int { return r.view.Unread() }

// Session returns the channel's current connection attempt.
func (r *Room) Session() channel.Session { return r.handle.Session() }

// Presence returns who is online and typing.
func (r *Room) Presence() (online, typing []string) {
	if r.opts.Presence == nil {
		return nil, nil
	}
	return r.opts.Presence.Snapshot(r.opts.RoomID)
}

// Alive reports whether the room is still open.
func (r *Room) Alive() bool { return r.ctx.Err() == nil }

// Syncing reports whether a resync is in flight.
func (r *Room) Syncing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncing
}

// Close closes the channel and cancels any resync. It is safe to call more
// than once. Close waits for the channel goroutine to exit, so it must not be
// called from OnDelta or OnRejected; hand off to another goroutine instead.
func (r *Room) Close() {
	r.cancel()
	r.handle.Close()
	if r.opts.Presence != nil {
		r.opts.Presence.Forget(r.opts.RoomID)
	}
}

// HandleOpen starts a resync on every open. A resync already in flight is
// superseded.
func (r *Room) HandleOpen(_ context.Context, s channel.Session) {
	r.mu.Lock()
	if r.syncCancel != nil {
		r.syncCancel()
	}
	r.syncGen++
	gen := r.syncGen
	r.syncing = true
	sctx, cancel := context.WithCancel(r.ctx)
	r.syncCancel = cancel
	r.mu.Unlock()

	r.log.Debug("engine: resync", zap.String("session", s.ID), zap.Int("attempts", s.AttemptCount))
	go r.resync(sctx, gen)
}

// resync fetches the snapshot until it succeeds or a newer open supersedes
// it. Live events stay buffered meanwhile.
func (r *Room) resync(ctx context.Context, gen int) {
	var msgs []model.Message
	ok := retryFetch(ctx, r.opts.ResyncBackoff, r.log, r.opts.Metrics, func(ctx context.Context) error {
		var err error
		msgs, err = r.opts.API.ListMessages(ctx, r.opts.RoomID)
		return err
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok || gen != r.syncGen || r.ctx.Err() != nil {
		return
	}
	r.syncing = false
	r.syncCancel = nil
	buffered := r.buffered
	r.buffered = nil

	r.emit(r.view.Resync(r.ctx, msgs))
	for _, ev := range buffered {
		r.emit(r.view.Apply(r.ctx, ev))
	}
}

// HandleEvent decodes a frame and applies it, or buffers it while a resync
// is in flight.
func (r *Room) HandleEvent(ctx context.Context, raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		r.log.Debug("engine: dropping frame", zap.Error(err))
		return
	}
	if r.opts.Presence != nil {
		r.opts.Presence.Apply(ctx, r.opts.RoomID, ev)
	}
	if e, ok := ev.(protocol.Error); ok {
		r.rejectLast(e)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.syncing {
		r.buffered = append(r.buffered, ev)
		return
	}
	r.emit(r.view.Apply(ctx, ev))
}

// rejectLast withdraws the newest optimistic message after a socket
// moderation verdict.
func (r *Room) rejectLast(e protocol.Error) {
	r.sendMu.Lock()
	localID, body := r.lastLocal, r.lastBody
	r.lastLocal, r.lastBody = "", ""
	r.sendMu.Unlock()

	if localID != "" && r.view.RemoveLocal(localID) {
		r.emit(reconcile.Delta{Removed: []string{localID}})
	}
	rej := e.ModerationRejection(body)
	r.log.Info("engine: message rejected", zap.String("reason", rej.Reason))
	if r.opts.OnRejected != nil {
		r.opts.OnRejected(rej)
	}
}

func (r *Room) emit(d reconcile.Delta) {
	if r.opts.OnDelta != nil && !d.Empty() {
		r.opts.OnDelta(d)
	}
}

// Send posts body optimistically: the message is shown as pending at once,
// confirmed by the response, and withdrawn if the send fails. A moderation
// rejection carries body as its Input so the composer can restore it.
func (r *Room) Send(ctx context.Context, body string) (model.Message, error) {
	if err := model.ValidateMessageDraft(r.opts.RoomID, body); err != nil {
		return model.Message{}, err
	}
	localID, err := idgen.LocalMessageID()
	if err != nil {
		return model.Message{}, err
	}

	r.sendMu.Lock()
	r.lastLocal, r.lastBody = localID, body
	r.sendMu.Unlock()
	r.emit(r.view.AddLocal(model.Message{
		LocalID:  localID,
		SenderID: r.opts.Identity.UserID,
		Body:     body,
	}))

	msg, err := r.opts.API.SendMessage(ctx, &client.SendMessageRequest{
		RoomID:         r.opts.RoomID,
		Body:           body,
		IdempotencyKey: localID,
	})

	r.sendMu.Lock()
	if r.lastLocal == localID {
		r.lastLocal, r.lastBody = "", ""
	}
	r.sendMu.Unlock()

	if err != nil {
		if r.view.RemoveLocal(localID) {
			r.emit(reconcile.Delta{Removed: []string{localID}})
		}
		var rej *model.ModerationRejection
		if errors.As(err, &rej) {
			rej.Input = body
			return model.Message{}, rej
		}
		return model.Message{}, fmt.Errorf("sending message: %w", err)
	}
	r.emit(r.view.ConfirmLocal(ctx, localID, *msg))
	if m, ok := r.view.Lookup(msg.ID); ok {
		return m, nil
	}
	return *msg, nil
}

// SendAttachment uploads an image. Type and size are checked before any
// request is made.
func (r *Room) SendAttachment(ctx context.Context, name, contentType string, size int64, body io.Reader) (model.Message, error) {
	msg, err := r.opts.API.UploadFile(ctx, &client.UploadFileRequest{
		RoomID:      r.opts.RoomID,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		Body:        body,
	})
	if err != nil {
		return model.Message{}, err
	}
	ev := protocol.ChatMessage{Data: *msg}
	r.mu.Lock()
	if r.syncing {
		r.buffered = append(r.buffered, ev)
	} else {
		r.emit(r.view.Apply(ctx, ev))
	}
	r.mu.Unlock()
	return *msg, nil
}

// MarkRead marks messageID read locally, then tells the server. A message
// that is unknown or already read is a no-op.
func (r *Room) MarkRead(ctx context.Context, messageID string) error {
	d, ok := r.view.MarkReadLocal(ctx, messageID)
	if !ok {
		return nil
	}
	r.emit(d)
	if err := r.opts.API.MarkRead(ctx, r.opts.RoomID, messageID); err != nil {
		return fmt.Errorf("marking %s read: %w", messageID, err)
	}
	if err := r.handle.Send(ctx, protocol.ReadFrame(messageID)); err != nil {
		r.log.Debug("engine: read receipt not sent", zap.Error(err))
	}
	return nil
}

// MarkAllRead marks every unread message read. It stops at the first
// failure.
func (r *Room) MarkAllRead(ctx context.Context) error {
	for _, id := range r.view.UnreadIDs() {
		if err := r.MarkRead(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetTyping announces typing state. typing=true frames are throttled to one
// per TypingInterval; the stop frame is always sent after a start.
func (r *Room) SetTyping(ctx context.Context, typing bool) error {
	r.sendMu.Lock()
	if typing && !r.typing.Allow() {
		r.sendMu.Unlock()
		return nil
	}
	if !typing && !r.typingSent {
		r.sendMu.Unlock()
		return nil
	}
	r.typingSent = typing
	r.sendMu.Unlock()
	return r.handle.Send(ctx, protocol.TypingFrame(typing))
}
