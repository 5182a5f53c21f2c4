package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alfredjeanlab/dealroom/internal/channel"
	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/client/clienttest"
	"github.com/alfredjeanlab/dealroom/internal/delivery"
	"github.com/alfredjeanlab/dealroom/internal/dispute"
	"github.com/alfredjeanlab/dealroom/internal/escrow"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/reconcile"
	"github.com/alfredjeanlab/dealroom/internal/store/memory"
)

var self = model.Identity{UserID: "self", Token: "tok"}

// socket is a websocket test server that rejects the first reject dials.
// Frames the client sends are collected in frames.
type socket struct {
	*httptest.Server
	dials  atomic.Int32
	reject int32
	onConn func(n int32, conn *websocket.Conn)
	frames chan string
}

func newSocket(t *testing.T, reject int32, onConn func(n int32, conn *websocket.Conn)) *socket {
	t.Helper()
	s := &socket{reject: reject, onConn: onConn, frames: make(chan string, 32)}
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.dials.Add(1) <= s.reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if s.onConn != nil {
			s.onConn(accepted.Add(1), conn)
		}
		s.drain(conn)
	}))
	t.Cleanup(s.Close)
	return s
}

// drain records client frames until the connection goes away.
func (s *socket) drain(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.frames <- string(data):
		default:
		}
	}
}

func (s *socket) manager() *channel.Manager {
	return channel.NewManager(channel.Options{
		URL:               "ws" + strings.TrimPrefix(s.URL, "http"),
		Backoff:           channel.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
		HeartbeatInterval: time.Hour,
	})
}

// write sends a frame; errors mean the client already went away.
func write(conn *websocket.Conn, frame string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func chatFrame(id, sender, body, at string) string {
	return `{"type":"chat_message","data":{"id":"` + id + `","room_id":"r1","sender_id":"` + sender +
		`","body":"` + body + `","created_at":"` + at + `"}}`
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func openTestRoom(t *testing.T, api client.API, s *socket, opts RoomOptions) *Room {
	t.Helper()
	opts.RoomID = "r1"
	opts.Identity = self
	opts.API = api
	opts.Channels = s.manager()
	r, err := OpenRoom(context.Background(), opts)
	if err != nil {
		t.Fatalf("OpenRoom() error: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitSynced(t *testing.T, r *Room) {
	t.Helper()
	eventually(t, "room to sync", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.syncGen > 0 && !r.syncing
	})
	eventually(t, "room to open", func() bool { return r.Session().State == channel.StateOpen })
}

func ids(msgs []model.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return strings.Join(out, ",")
}

func serverMessage(id, sender string, at time.Time) model.Message {
	return model.Message{ID: id, RoomID: "r1", SenderID: sender, Body: "hi", CreatedAt: at}
}

func TestRoom_ReconnectResyncLeavesNoDuplicates(t *testing.T) {
	api := clienttest.New()
	api.Messages["r1"] = []model.Message{serverMessage("m1", "u2", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))}

	s := newSocket(t, 2, func(n int32, conn *websocket.Conn) {
		// m1 is also in the snapshot; m2 is live only.
		write(conn, chatFrame("m1", "u2", "hi", "2026-01-15T10:00:00Z"))
		write(conn, chatFrame("m2", "u2", "there", "2026-01-15T10:00:01Z"))
		if n == 1 {
			// Drop the first connection to force a reopen and second resync.
			_ = conn.Close()
		}
	})
	r := openTestRoom(t, api, s, RoomOptions{})

	eventually(t, "second resync", func() bool {
		return api.Count("ListMessages") >= 2 && !r.Syncing() && len(r.Messages()) == 2
	})
	time.Sleep(50 * time.Millisecond)

	if got := ids(r.Messages()); got != "m1,m2" {
		t.Errorf("messages = %s, want m1,m2", got)
	}
	if got := s.dials.Load(); got < 3 {
		t.Errorf("dials = %d, want at least 3", got)
	}
	if sess := r.Session(); sess.State != channel.StateOpen {
		t.Errorf("session state = %s", sess.State)
	}
}

// gatedList blocks ListMessages until release is closed.
type gatedList struct {
	*clienttest.Fake
	release chan struct{}
}

func (g gatedList) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Fake.ListMessages(ctx, roomID)
}

func TestRoom_EventsBufferedDuringResync(t *testing.T) {
	api := gatedList{Fake: clienttest.New(), release: make(chan struct{})}
	api.Messages["r1"] = []model.Message{serverMessage("m1", "u2", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))}

	s := newSocket(t, 0, func(_ int32, conn *websocket.Conn) {
		write(conn, chatFrame("m2", "u2", "live", "2026-01-15T10:00:05Z"))
	})
	r := openTestRoom(t, api, s, RoomOptions{})

	eventually(t, "buffered frame", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.buffered) == 1
	})
	if n := len(r.Messages()); n != 0 {
		t.Fatalf("messages before snapshot = %d, want 0", n)
	}

	close(api.release)
	waitSynced(t, r)
	if got := ids(r.Messages()); got != "m1,m2" {
		t.Errorf("messages = %s, want m1,m2", got)
	}
}

// flakyList fails the first ListMessages call.
type flakyList struct {
	*clienttest.Fake
	calls atomic.Int32
}

func (f *flakyList) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	if f.calls.Add(1) == 1 {
		return nil, &model.TransportError{Op: "list messages", Err: errors.New("connection reset")}
	}
	return f.Fake.ListMessages(ctx, roomID)
}

func TestRoom_FailedResyncIsRetried(t *testing.T) {
	api := &flakyList{Fake: clienttest.New()}
	api.Messages["r1"] = []model.Message{serverMessage("m1", "u2", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))}
	s := newSocket(t, 0, func(_ int32, conn *websocket.Conn) {
		write(conn, chatFrame("m2", "u2", "live", "2026-01-15T10:00:05Z"))
	})
	r := openTestRoom(t, api, s, RoomOptions{})

	waitSynced(t, r)
	if got := ids(r.Messages()); got != "m1,m2" {
		t.Errorf("messages = %s, want m1,m2", got)
	}
	if n := api.calls.Load(); n != 2 {
		t.Errorf("ListMessages calls = %d, want 2", n)
	}
	if got := s.dials.Load(); got != 1 {
		t.Errorf("dials = %d, a failed fetch must not need a reconnect", got)
	}
}

func TestRoom_SendOptimistic(t *testing.T) {
	api := clienttest.New()
	s := newSocket(t, 0, nil)

	var mu sync.Mutex
	var deltas []reconcile.Delta
	r := openTestRoom(t, api, s, RoomOptions{OnDelta: func(d reconcile.Delta) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	}})
	waitSynced(t, r)

	got, err := r.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got.ID == "" || got.Pending {
		t.Errorf("Send() = %+v, want confirmed message", got)
	}
	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].ID != got.ID || msgs[0].Pending {
		t.Errorf("messages = %+v", msgs)
	}
	if keys := api.Keys["SendMessage"]; len(keys) != 1 || keys[0] != got.LocalID {
		t.Errorf("idempotency keys = %v, want [%s]", keys, got.LocalID)
	}

	mu.Lock()
	defer mu.Unlock()
	var pending bool
	for _, d := range deltas {
		for _, m := range d.Added {
			if m.Pending && m.Body == "hello" {
				pending = true
			}
		}
	}
	if !pending {
		t.Error("no pending message was shown before confirmation")
	}
}

func TestRoom_SendValidation(t *testing.T) {
	api := clienttest.New()
	r := openTestRoom(t, api, newSocket(t, 0, nil), RoomOptions{})
	_, err := r.Send(context.Background(), "   ")
	if model.KindOf(err) != model.KindValidation {
		t.Errorf("Send(blank) error = %v, want validation", err)
	}
	if api.Count("SendMessage") != 0 {
		t.Error("blank body reached the API")
	}
}

func TestRoom_SendModerationRejected(t *testing.T) {
	api := clienttest.New()
	api.Moderate = func(body string) string {
		if strings.Contains(body, "@") {
			return "contact details"
		}
		return ""
	}
	var removed atomic.Int32
	r := openTestRoom(t, api, newSocket(t, 0, nil), RoomOptions{OnDelta: func(d reconcile.Delta) {
		removed.Add(int32(len(d.Removed)))
	}})
	waitSynced(t, r)

	_, err := r.Send(context.Background(), "mail me at a@b.c")
	var rej *model.ModerationRejection
	if !errors.As(err, &rej) {
		t.Fatalf("Send() error = %v, want moderation rejection", err)
	}
	if rej.Input != "mail me at a@b.c" {
		t.Errorf("rejection input = %q", rej.Input)
	}
	if n := len(r.Messages()); n != 0 {
		t.Errorf("messages = %d after rejection, want 0", n)
	}
	if removed.Load() != 1 {
		t.Errorf("removed deltas = %d, want 1", removed.Load())
	}
}

// gatedSend blocks SendMessage until release is closed.
type gatedSend struct {
	*clienttest.Fake
	release chan struct{}
}

func (g gatedSend) SendMessage(ctx context.Context, req *client.SendMessageRequest) (*model.Message, error) {
	<-g.release
	return g.Fake.SendMessage(ctx, req)
}

func TestRoom_SocketErrorWithdrawsPendingMessage(t *testing.T) {
	api := gatedSend{Fake: clienttest.New(), release: make(chan struct{})}
	trigger := make(chan struct{})
	s := newSocket(t, 0, func(_ int32, conn *websocket.Conn) {
		<-trigger
		write(conn, `{"type":"error","detail":"blocked content","violations":["link"]}`)
	})
	rejected := make(chan *model.ModerationRejection, 1)
	r := openTestRoom(t, api, s, RoomOptions{OnRejected: func(rej *model.ModerationRejection) { rejected <- rej }})
	waitSynced(t, r)

	sent := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "visit example dot com")
		sent <- err
	}()
	eventually(t, "pending message", func() bool { return len(r.Messages()) == 1 })

	close(trigger)
	select {
	case rej := <-rejected:
		if rej.Reason != "blocked content" || rej.Input != "visit example dot com" {
			t.Errorf("rejection = %+v", rej)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no rejection delivered")
	}
	if n := len(r.Messages()); n != 0 {
		t.Errorf("messages = %d after socket rejection, want 0", n)
	}

	api.SetErr("SendMessage", &model.ModerationRejection{Reason: "blocked content"})
	close(api.release)
	if err := <-sent; model.KindOf(err) != model.KindModeration {
		t.Errorf("Send() error = %v", err)
	}
}

func TestRoom_TypingThrottle(t *testing.T) {
	s := newSocket(t, 0, nil)
	r := openTestRoom(t, clienttest.New(), s, RoomOptions{TypingInterval: time.Hour})
	waitSynced(t, r)
	ctx := context.Background()

	if err := r.SetTyping(ctx, false); err != nil {
		t.Fatalf("SetTyping(false) error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.SetTyping(ctx, true); err != nil {
			t.Fatalf("SetTyping(true) error: %v", err)
		}
	}
	if err := r.SetTyping(ctx, false); err != nil {
		t.Fatalf("SetTyping(false) error: %v", err)
	}
	if err := r.SetTyping(ctx, false); err != nil {
		t.Fatalf("SetTyping(false) error: %v", err)
	}

	want := []string{`{"type":"typing","is_typing":true}`, `{"type":"typing","is_typing":false}`}
	for _, w := range want {
		select {
		case got := <-s.frames:
			if got != w {
				t.Errorf("frame = %s, want %s", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing frame %s", w)
		}
	}
	select {
	case extra := <-s.frames:
		t.Errorf("unexpected frame %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoom_MarkRead(t *testing.T) {
	api := clienttest.New()
	api.Messages["r1"] = []model.Message{serverMessage("m1", "u2", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))}
	s := newSocket(t, 0, nil)
	r := openTestRoom(t, api, s, RoomOptions{})
	waitSynced(t, r)

	if r.Unread() != 1 {
		t.Fatalf("Unread() = %d, want 1", r.Unread())
	}
	ctx := context.Background()
	if err := r.MarkRead(ctx, "m1"); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if err := r.MarkRead(ctx, "m1"); err != nil {
		t.Fatalf("second MarkRead() error: %v", err)
	}
	if r.Unread() != 0 {
		t.Errorf("Unread() = %d, want 0", r.Unread())
	}
	if api.Count("MarkRead") != 1 {
		t.Errorf("MarkRead API calls = %d, want 1", api.Count("MarkRead"))
	}
	select {
	case got := <-s.frames:
		if got != `{"type":"message_read","message_id":"m1"}` {
			t.Errorf("frame = %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no read receipt sent")
	}
}

func TestRoom_CloseHandedOffFromCallback(t *testing.T) {
	api := clienttest.New()
	s := newSocket(t, 0, func(_ int32, conn *websocket.Conn) {
		write(conn, chatFrame("m1", "u2", "bye", "2026-01-15T10:00:00Z"))
	})

	closed := make(chan struct{})
	var once sync.Once
	var r *Room
	ready := make(chan struct{})
	r = openTestRoom(t, api, s, RoomOptions{OnDelta: func(d reconcile.Delta) {
		if len(d.Added) == 0 {
			return
		}
		once.Do(func() {
			go func() {
				<-ready
				r.Close()
				close(closed)
			}()
		})
	}})
	close(ready)

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close handed off from OnDelta did not return")
	}
	if r.Alive() {
		t.Error("room still alive after Close")
	}
}

func TestOpenRoom_RequiresRoom(t *testing.T) {
	_, err := OpenRoom(context.Background(), RoomOptions{API: clienttest.New()})
	if model.KindOf(err) != model.KindValidation {
		t.Errorf("OpenRoom() error = %v, want validation", err)
	}
}

func notificationFrame(data string) string {
	return `{"type":"notification","data":` + data + `}`
}

// flakyFeed fails the first TotalUnreadCount call.
type flakyFeed struct {
	*clienttest.Fake
	calls atomic.Int32
}

func (f *flakyFeed) TotalUnreadCount(ctx context.Context) (int, error) {
	if f.calls.Add(1) == 1 {
		return 0, &model.TransportError{Op: "unread count", Err: errors.New("timeout")}
	}
	return f.Fake.TotalUnreadCount(ctx)
}

func TestFeed_FailedResyncIsRetried(t *testing.T) {
	api := &flakyFeed{Fake: clienttest.New()}
	api.Notifications = []model.Notification{{
		ID: "n1", Type: model.NotifyBroadcast, CreatedAt: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		Payload: model.Broadcast{Message: "welcome"},
	}}
	api.TotalUnread = 3
	s := newSocket(t, 0, nil)

	f, err := OpenFeed(context.Background(), FeedOptions{Identity: self, API: api, Channels: s.manager()})
	if err != nil {
		t.Fatalf("OpenFeed() error: %v", err)
	}
	defer f.Close()

	eventually(t, "feed resync", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.syncGen > 0 && !f.syncing
	})
	if len(f.Items()) != 1 || f.TotalUnread() != 3 {
		t.Errorf("items = %d, total = %d, want 1/3", len(f.Items()), f.TotalUnread())
	}
	if n := api.calls.Load(); n != 2 {
		t.Errorf("TotalUnreadCount calls = %d, want 2", n)
	}
}

func TestFeed_ResyncThenObservesOnlyLiveNotifications(t *testing.T) {
	api := clienttest.New()
	api.Notifications = []model.Notification{{
		ID: "n1", Type: model.NotifyBroadcast, CreatedAt: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		Payload: model.Broadcast{Message: "welcome"},
	}}
	api.TotalUnread = 5

	release := make(chan struct{})
	s := newSocket(t, 0, func(_ int32, conn *websocket.Conn) {
		<-release
		write(conn, notificationFrame(`{"id":"n1","type":"broadcast","message":"welcome","created_at":"2026-01-15T09:00:00Z"}`))
		write(conn, notificationFrame(`{"id":"n2","type":"payment_required","details":{"item_id":"i1","amount":250},"created_at":"2026-01-15T10:00:00Z"}`))
	})

	var mu sync.Mutex
	var seen []string
	f, err := OpenFeed(context.Background(), FeedOptions{
		Identity: self,
		API:      api,
		Channels: s.manager(),
		Observers: []Observer{ObserverFunc(func(_ context.Context, n model.Notification) {
			mu.Lock()
			seen = append(seen, n.ID)
			mu.Unlock()
		})},
	})
	if err != nil {
		t.Fatalf("OpenFeed() error: %v", err)
	}
	defer f.Close()

	eventually(t, "feed resync", func() bool { return len(f.Items()) == 1 })
	close(release)
	eventually(t, "live notification", func() bool { return len(f.Items()) == 2 })
	time.Sleep(20 * time.Millisecond)

	items := f.Items()
	if items[0].ID != "n2" || items[1].ID != "n1" {
		t.Errorf("feed order = %s,%s, want n2,n1", items[0].ID, items[1].ID)
	}
	if f.TotalUnread() != 5 {
		t.Errorf("TotalUnread() = %d, want 5", f.TotalUnread())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "n2" {
		t.Errorf("observed = %v, want [n2]", seen)
	}
}

func TestFeed_MarkRead(t *testing.T) {
	api := clienttest.New()
	api.Notifications = []model.Notification{{ID: "n1", Type: model.NotifyBroadcast, Payload: model.Broadcast{Message: "x"}}}
	f, err := OpenFeed(context.Background(), FeedOptions{Identity: self, API: api, Channels: newSocket(t, 0, nil).manager()})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	eventually(t, "feed resync", func() bool { return len(f.Items()) == 1 })

	ctx := context.Background()
	if f.Unread() != 1 {
		t.Fatalf("Unread() = %d", f.Unread())
	}
	if err := f.MarkRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if err := f.MarkRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if f.Unread() != 0 || api.Count("MarkNotificationRead") != 1 {
		t.Errorf("Unread() = %d, API calls = %d", f.Unread(), api.Count("MarkNotificationRead"))
	}
}

func TestRouter(t *testing.T) {
	api := clienttest.New()
	ctx := context.Background()

	escrows := escrow.NewRegistry(escrow.Options{API: api})
	w, err := escrows.Open(ctx, escrow.Target{Item: model.Item{ID: "i1"}})
	if err != nil {
		t.Fatal(err)
	}
	guard := dispute.NewGuard(dispute.Options{API: api, Journal: memory.New()})
	if err := guard.Load(ctx, model.EscrowTransaction{ID: "tx1", Engagement: model.EngagementActive}); err != nil {
		t.Fatal(err)
	}
	router := &Router{Escrow: escrows, Disputes: guard, Deliveries: delivery.NewRegistry(delivery.Options{API: api})}

	router.ObserveNotification(ctx, model.Notification{ID: "n1", Type: model.NotifyPaymentRequired,
		Payload: model.PaymentRequired{ItemID: "i1", Amount: decimal.NewFromInt(250)}})
	q, err := w.Quote()
	if err != nil || !q.Amount.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Quote() = %+v, %v; want amount 250", q, err)
	}

	router.ObserveNotification(ctx, model.Notification{ID: "n2", Type: model.NotifyDeliverySubmitted,
		Payload: model.DeliverySubmitted{RoomID: "r1", TransactionID: "tx1"}})
	if tx, _ := guard.Transaction("tx1"); tx.Engagement != model.EngagementDelivered {
		t.Errorf("engagement = %s, want delivered", tx.Engagement)
	}
	eventually(t, "delivery reload", func() bool { return api.Count("GetDelivery") == 1 })

	router.ObserveNotification(ctx, model.Notification{ID: "n3", Type: model.NotifyDisputeOpened,
		Payload: model.DisputeOpened{TransactionID: "tx1", DisputeID: "d1"}})
	if !guard.HasOpenDispute("tx1") {
		t.Error("dispute_opened was not routed to the guard")
	}
}
