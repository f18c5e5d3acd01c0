package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/chatsync/internal/model"
)

var ErrNotFound = errors.New("snapshot not found")

// Workspace is the persisted part of the state: who we are and the guild
// list, enough to render something before the gateway sends ready.
type Workspace struct {
	SelfID      model.UserID  `json:"self_id"`
	Guilds      []model.Guild `json:"guilds"`
	SavedAtUnix int64         `json:"saved_at_unix"`
}

// SnapshotStore 本地快照存储
//
// Key layout:
//
//	{prefix}:workspace:{user_id}  JSON Workspace
//	{prefix}:usernames            hash user_id -> username, expires as a whole
type SnapshotStore struct {
	rdb         redis.UniversalClient
	prefix      string
	usernameTTL time.Duration
}

func NewSnapshotStore(rdb redis.UniversalClient, prefix string, usernameTTL time.Duration) *SnapshotStore {
	if prefix == "" {
		prefix = "chatsync"
	}
	return &SnapshotStore{rdb: rdb, prefix: prefix, usernameTTL: usernameTTL}
}

// NewSnapshotStoreFromClient uses the key prefix and TTL of the client's
// config.
func NewSnapshotStoreFromClient(c *Client) *SnapshotStore {
	return NewSnapshotStore(c.client, c.config.KeyPrefix, c.config.UsernameTTL)
}

func (s *SnapshotStore) workspaceKey(self model.UserID) string {
	return fmt.Sprintf("%s:workspace:%s", s.prefix, self)
}

func (s *SnapshotStore) usernamesKey() string {
	return s.prefix + ":usernames"
}

func (s *SnapshotStore) SaveWorkspace(ctx context.Context, ws Workspace) error {
	if ws.SelfID == "" {
		return errors.New("save workspace: empty self id")
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	if err := s.rdb.Set(ctx, s.workspaceKey(ws.SelfID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save workspace for %s: %w", ws.SelfID, err)
	}
	return nil
}

// LoadWorkspace returns ErrNotFound when nothing was saved for self.
func (s *SnapshotStore) LoadWorkspace(ctx context.Context, self model.UserID) (Workspace, error) {
	data, err := s.rdb.Get(ctx, s.workspaceKey(self)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to load workspace for %s: %w", self, err)
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return Workspace{}, fmt.Errorf("decode workspace for %s: %w", self, err)
	}
	return ws, nil
}

// SaveUsernames merges names into the stored hash and refreshes its TTL.
func (s *SnapshotStore) SaveUsernames(ctx context.Context, names map[model.UserID]string) error {
	if len(names) == 0 {
		return nil
	}
	values := make(map[string]any, len(names))
	for id, name := range names {
		values[string(id)] = name
	}

	key := s.usernamesKey()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, values)
	if s.usernameTTL > 0 {
		pipe.Expire(ctx, key, s.usernameTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save usernames: %w", err)
	}
	return nil
}

// LoadUsernames returns the stored names; an empty map if none.
func (s *SnapshotStore) LoadUsernames(ctx context.Context) (map[model.UserID]string, error) {
	raw, err := s.rdb.HGetAll(ctx, s.usernamesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load usernames: %w", err)
	}
	out := make(map[model.UserID]string, len(raw))
	for id, name := range raw {
		out[model.UserID(id)] = name
	}
	return out, nil
}

// DeleteWorkspace forgets the snapshot of self, e.g. on sign-out.
func (s *SnapshotStore) DeleteWorkspace(ctx context.Context, self model.UserID) error {
	return s.rdb.Del(ctx, s.workspaceKey(self)).Err()
}
