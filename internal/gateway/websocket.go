package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/model"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

var ErrStreamClosed = errors.New("gateway: stream closed")

// controlFrame is the client to server envelope.
type controlFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type subscribePayload struct {
	GuildID    model.GuildID     `json:"guild_id"`
	ChannelIDs []model.ChannelID `json:"channel_ids"`
}

// WSTransport dials the gateway over gorilla/websocket.
type WSTransport struct {
	url       string
	dialer    *websocket.Dialer
	heartbeat time.Duration
	maxFrame  int64
	log       *zap.Logger
}

func NewWSTransport(cfg *config.GatewayConfig, log *zap.Logger) *WSTransport {
	return &WSTransport{
		url: cfg.URL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		heartbeat: cfg.HeartbeatInterval,
		maxFrame:  cfg.MaxFrameBytes,
		log:       logger.OrNop(log).Named("ws"),
	}
}

// dialURL puts the token and the scope into the query string.
func dialURL(base, token string, scope Scope) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("guild_id", string(scope.GuildID))
	ids := make([]string, len(scope.ChannelIDs))
	for i, id := range scope.ChannelIDs {
		ids[i] = string(id)
	}
	q.Set("channel_ids", strings.Join(ids, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WSTransport) Dial(ctx context.Context, token string, scope Scope) (Stream, error) {
	target, err := dialURL(t.url, token, scope)
	if err != nil {
		return nil, err
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	if t.maxFrame > 0 {
		conn.SetReadLimit(t.maxFrame)
	}
	return newWSStream(conn, t.heartbeat, logger.FromContext(ctx, t.log)), nil
}

// wsStream wraps one websocket connection. Writes are serialized; Close is
// idempotent and stops the heartbeat.
type wsStream struct {
	conn *websocket.Conn

	// mu protects concurrent writes to the connection
	mu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	log       *zap.Logger
}

func newWSStream(conn *websocket.Conn, heartbeat time.Duration, log *zap.Logger) *wsStream {
	s := &wsStream{conn: conn, done: make(chan struct{}), log: log}
	if heartbeat > 0 {
		// 服务端在两个心跳周期内收不到数据会断开
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		})
		_ = conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		go s.pingLoop(heartbeat)
	}
	return s
}

func (s *wsStream) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *wsStream) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	return s.conn.WriteMessage(messageType, data)
}

// Recv blocks in ReadMessage; ctx cancellation closes the stream so the
// read returns.
func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil, ErrStreamClosed
			default:
				return nil, err
			}
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) SetSubscribedChannels(guild model.GuildID, channels []model.ChannelID) error {
	data, err := json.Marshal(controlFrame{
		Type:    "set_subscribed_channels",
		Payload: subscribePayload{GuildID: guild, ChannelIDs: channels},
	})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		close(s.done)
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}
