package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/model"
)

type serverSide struct {
	query    chan map[string]string
	received chan []byte
	send     chan []byte
}

func newGatewayServer(t *testing.T) (*serverSide, string) {
	t.Helper()
	side := &serverSide{
		query:    make(chan map[string]string, 1),
		received: make(chan []byte, 4),
		send:     make(chan []byte, 4),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		side.query <- map[string]string{
			"token":       q.Get("token"),
			"guild_id":    q.Get("guild_id"),
			"channel_ids": q.Get("channel_ids"),
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for data := range side.send {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			side.received <- data
		}
	}))
	t.Cleanup(func() {
		close(side.send)
		srv.Close()
	})
	return side, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransportRoundTrip(t *testing.T) {
	side, url := newGatewayServer(t)

	cfg := config.Default().Gateway
	cfg.URL = url
	tr := NewWSTransport(&cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := tr.Dial(ctx, "tok", Scope{GuildID: "g1", ChannelIDs: []model.ChannelID{"c1", "c2"}})
	require.NoError(t, err)
	defer stream.Close()

	q := <-side.query
	assert.Equal(t, map[string]string{"token": "tok", "guild_id": "g1", "channel_ids": "c1,c2"}, q)

	side.send <- []byte(`{"type":"presence_sync"}`)
	frame, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"presence_sync"}`, string(frame))

	require.NoError(t, stream.SetSubscribedChannels("g1", []model.ChannelID{"c3"}))
	var got struct {
		Type    string           `json:"type"`
		Payload subscribePayload `json:"payload"`
	}
	select {
	case data := <-side.received:
		require.NoError(t, json.Unmarshal(data, &got))
	case <-ctx.Done():
		t.Fatal("server did not receive the control frame")
	}
	assert.Equal(t, "set_subscribed_channels", got.Type)
	assert.Equal(t, []model.ChannelID{"c3"}, got.Payload.ChannelIDs)

	require.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
	assert.ErrorIs(t, stream.SetSubscribedChannels("g1", nil), ErrStreamClosed)
}

func TestWSStreamRecvCanceled(t *testing.T) {
	_, url := newGatewayServer(t)

	cfg := config.Default().Gateway
	cfg.URL = url
	stream, err := NewWSTransport(&cfg, nil).Dial(context.Background(), "tok", Scope{GuildID: "g1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestWSTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := config.Default().Gateway
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := NewWSTransport(&cfg, nil).Dial(context.Background(), "tok", Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
