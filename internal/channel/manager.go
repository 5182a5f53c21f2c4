// Package channel maintains one resilient websocket per logical stream (a
// chat room or a user's notification feed). Each Handle owns its socket and
// a single run loop that dials, pumps frames, sends heartbeats and
// reconnects with capped exponential backoff. Connection errors are logged
// and retried; they are never returned to the caller.
package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
)

var (
	// ErrNotOpen is wrapped in the TransportError returned by Send while
	// the socket is not open.
	ErrNotOpen = errors.New("channel not open")
	// ErrClosed is wrapped in the TransportError returned by Send after Close.
	ErrClosed = errors.New("channel closed")

	errStale = errors.New("heartbeat stale")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBufSize    = 64
	inboundBufSize = 256
)

// Handler receives channel lifecycle callbacks. Both methods run on the
// handle's run loop and must not block; long work (such as a resync fetch)
// belongs in its own goroutine.
type Handler interface {
	// HandleOpen is called on every successful open and reopen.
	HandleOpen(ctx context.Context, s Session)
	// HandleEvent is called with every inbound frame except pongs.
	HandleEvent(ctx context.Context, raw []byte)
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	// URL is the websocket base, e.g. "wss://api.example.com".
	URL               string
	Backoff           Backoff
	HeartbeatInterval time.Duration
	// StaleAfter forces a reconnect when no pong arrived for this long.
	// Zero disables the check; transport closure alone triggers reconnect.
	StaleAfter time.Duration
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Manager opens and tracks stream handles.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Backoff.Cap < opts.Backoff.Base {
		opts.Backoff.Cap = opts.Backoff.Base
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &Manager{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		handles: make(map[*Handle]struct{}),
	}
}

// Open starts a handle for streamID. handlers are subscribed before the
// first dial so none of them can miss the first open. The handle lives until
// Close is called or ctx is cancelled.
func (m *Manager) Open(ctx context.Context, streamID string, id model.Identity, handlers ...Handler) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		m:        m,
		streamID: streamID,
		url:      m.streamURL(streamID, id),
		ctx:      hctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		out:      make(chan []byte, sendBufSize),
		subs:     make(map[int]Handler),
		session:  Session{StreamID: streamID, State: StateClosed},
	}
	for _, hd := range handlers {
		h.subscribe(hd)
	}

	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.mu.Unlock()

	go h.run()
	return h
}

// Backoff returns the reconnect backoff handles use.
func (m *Manager) Backoff() Backoff { return m.opts.Backoff }

// Close closes every handle opened by m.
func (m *Manager) Close() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h.Close()
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
}

func (m *Manager) streamURL(streamID string, id model.Identity) string {
	u := strings.TrimRight(m.opts.URL, "/") + "/ws/" + strings.Trim(streamID, "/") + "/"
	if id.Token != "" {
		u += "?token=" + url.QueryEscape(id.Token)
	}
	return u
}

// Handle is one logical stream. Only its run loop writes to the socket.
type Handle struct {
	m        *Manager
	streamID string
	url      string

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	out chan []byte

	mu      sync.RWMutex
	session Session
	subs    map[int]Handler
	nextSub int
}

// StreamID returns the stream this handle is bound to.
func (h *Handle) StreamID() string { return h.streamID }

// Session returns a copy of the current connection attempt.
func (h *Handle) Session() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// Subscribe registers hd and returns a function that removes it. A handler
// subscribed while the socket is open receives HandleOpen immediately so it
// can resync.
func (h *Handle) Subscribe(hd Handler) func() {
	id := h.subscribe(hd)
	if s := h.Session(); s.State == StateOpen {
		hd.HandleOpen(h.ctx, s)
	}
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *Handle) subscribe(hd Handler) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = hd
	return id
}

func (h *Handle) handlers() []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Handler, 0, len(h.subs))
	for i := 0; i < h.nextSub; i++ {
		if hd, ok := h.subs[i]; ok {
			out = append(out, hd)
		}
	}
	return out
}

// Send queues an outbound frame for the run loop. It fails with a
// *model.TransportError when the socket is not open.
func (h *Handle) Send(ctx context.Context, frame protocol.Outbound) error {
	if h.ctx.Err() != nil {
		return &model.TransportError{Op: "send " + string(frame.Type), Err: ErrClosed}
	}
	if h.Session().State != StateOpen {
		return &model.TransportError{Op: "send " + string(frame.Type), Err: ErrNotOpen}
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	select {
	case h.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return &model.TransportError{Op: "send " + string(frame.Type), Err: ErrClosed}
	}
}

// Close stops the run loop, cancels any pending reconnect and closes the
// socket. It is safe to call more than once.
func (h *Handle) Close() {
	h.closeOnce.Do(h.cancel)
	<-h.done
}

// Done is closed once the run loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setSession(s Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

func (h *Handle) update(fn func(s *Session)) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.session)
	return h.session
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.m.forget(h)
	log := h.m.logger.With(zap.String("stream", h.streamID))
	kind := streamKind(h.streamID)
	attempt := 0

	for h.ctx.Err() == nil {
		h.setSession(newSession(h.streamID, attempt))

		conn, resp, err := h.m.opts.Dialer.DialContext(h.ctx, h.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if h.ctx.Err() != nil {
				break
			}
			h.m.opts.Metrics.Dial(kind, "error")
			h.update(func(s *Session) { s.State = StateClosed })
			delay := h.m.opts.Backoff.Delay(attempt)
			log.Warn("channel: dial failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !h.sleep(delay) {
				break
			}
			attempt++
			continue
		}

		h.m.opts.Metrics.Dial(kind, "ok")
		h.m.opts.Metrics.SetOpen(kind, true)
		attempt = 0
		sess := h.update(func(s *Session) {
			s.State = StateOpen
			s.OpenedAt = time.Now()
		})
		log.Info("channel: open", zap.String("session", sess.ID))
		for _, hd := range h.handlers() {
			hd.HandleOpen(h.ctx, sess)
		}

		err = h.serve(conn)
		conn.Close()
		h.m.opts.Metrics.SetOpen(kind, false)
		h.update(func(s *Session) { s.State = StateClosed })
		if h.ctx.Err() != nil {
			break
		}

		delay := h.m.opts.Backoff.Delay(attempt)
		log.Warn("channel: connection lost",
			zap.String("session", sess.ID),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if !h.sleep(delay) {
			break
		}
		attempt++
	}
	h.update(func(s *Session) { s.State = StateClosed })
	log.Debug("channel: closed")
}

// sleep waits d or until the handle is closed. It reports whether the
// caller should keep going.
func (h *Handle) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// serve pumps one connection until it fails or the handle closes.
func (h *Handle) serve(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)

	frames := make(chan []byte, inboundBufSize)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()

	ping, err := protocol.Ping().Encode()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(h.m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return h.ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			h.dispatch(data)
		case data := <-h.out:
			if err := h.write(conn, data); err != nil {
				return err
			}
		case <-ticker.C:
			if stale := h.m.opts.StaleAfter; stale > 0 && time.Since(h.Session().lastSign()) > stale {
				return errStale
			}
			if err := h.write(conn, ping); err != nil {
				return err
			}
		}
	}
}

func (h *Handle) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handle) dispatch(data []byte) {
	if typ, err := protocol.PeekType(data); err == nil && typ == protocol.TypePong {
		h.update(func(s *Session) { s.LastHeartbeatAt = time.Now() })
		return
	}
	for _, hd := range h.handlers() {
		hd.HandleEvent(h.ctx, data)
	}
}
