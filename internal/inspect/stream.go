package inspect

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Listeners only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type versionFrame struct {
	Version uint64 `json:"version"`
}

// hub 维护活跃的 stream 连接
type hub struct {
	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool
	m         *metrics.Metrics
}

func newHub(m *metrics.Metrics) *hub {
	return &hub{
		listeners: make(map[*listener]struct{}),
		m:         m,
	}
}

func (h *hub) join(l *listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.listeners[l] = struct{}{}
	h.m.StreamListenerDelta(1)
	return true
}

func (h *hub) leave(l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[l]; ok {
		delete(h.listeners, l)
		close(l.quit)
		h.m.StreamListenerDelta(-1)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for l := range h.listeners {
		delete(h.listeners, l)
		close(l.quit)
		h.m.StreamListenerDelta(-1)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// listener 代表一个 /state/stream 连接
type listener struct {
	hub  *hub
	conn *websocket.Conn
	log  *zap.Logger

	// updates 来自 state store 的合并通知
	updates <-chan uint64
	cancel  func()

	quit chan struct{}
}

// readPump only watches for close and pong frames.
func (l *listener) readPump() {
	defer func() {
		l.hub.leave(l)
		l.conn.Close()
	}()
	l.conn.SetReadLimit(maxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Debug("stream read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends the current version first, then one frame per store
// notification. Versions coalesce; a listener never sees a stale version
// after a newer one.
func (l *listener) writePump(initial uint64) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.cancel()
		l.conn.Close()
	}()

	last := initial
	if err := l.send(last); err != nil {
		return
	}
	for {
		select {
		case v, ok := <-l.updates:
			if !ok {
				l.closeFrame()
				return
			}
			if v <= last {
				continue
			}
			last = v
			if err := l.send(v); err != nil {
				return
			}
		case <-l.quit:
			l.closeFrame()
			return
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (l *listener) send(v uint64) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(versionFrame{Version: v})
}

func (l *listener) closeFrame() {
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("failed to upgrade stream", zap.Error(err))
		return
	}

	// 先订阅再取快照，避免漏掉中间的版本
	updates, cancel := s.src.Subscribe()
	l := &listener{
		hub:     s.hub,
		conn:    conn,
		log:     s.log,
		updates: updates,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	if !l.hub.join(l) {
		cancel()
		l.closeFrame()
		conn.Close()
		return
	}

	go l.writePump(s.src.Snapshot().Version)
	go l.readPump()
}
