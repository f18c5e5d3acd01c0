// Package api is the REST side of the chat server as the client core sees
// it: username lookup, attachment previews and the workspace list.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

var (
	// ErrTransient marks failures worth retrying: 5xx, 429 and network errors.
	ErrTransient = errors.New("api: transient failure")
	ErrNotFound  = errors.New("api: not found")
)

// maxBodyBytes bounds every response body read into memory.
const maxBodyBytes = 64 << 20

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	log        *zap.Logger
}

// New creates a Client for cfg.BaseURL authenticating with token.
//
// Parameters:
//   - cfg: base URL, timeout and request pacing
//   - token: bearer access token
//   - log: may be nil
func New(cfg *config.APIConfig, token string, log *zap.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(limit, burst),
		log:        logger.OrNop(log).Named("api"),
	}
}

type userEntry struct {
	ID       model.UserID `json:"id"`
	Username string       `json:"username"`
}

type usersResponse struct {
	Users []userEntry `json:"users"`
}

// LookupUsersByIDs resolves ids via GET /users?ids=a,b. Ids the server does
// not return are absent from the result.
func (c *Client) LookupUsersByIDs(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error) {
	out := make(map[model.UserID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	q := url.Values{"ids": {strings.Join(parts, ",")}}

	var resp usersResponse
	if err := c.getJSON(ctx, "/users?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	for _, u := range resp.Users {
		if u.ID == "" || u.Username == "" {
			continue
		}
		out[u.ID] = u.Username
	}
	return out, nil
}

// DownloadAttachmentPreview returns the preview bytes of an attachment.
func (c *Client) DownloadAttachmentPreview(ctx context.Context, id model.AttachmentID) ([]byte, error) {
	resp, err := c.do(ctx, "/attachments/"+url.PathEscape(string(id))+"/preview")
	if err != nil {
		return nil, fmt.Errorf("download preview %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("download preview %s: %w: %v", id, ErrTransient, err)
	}
	return data, nil
}

// Workspaces is the GET /me/workspaces response.
type Workspaces struct {
	SelfID model.UserID  `json:"self_id"`
	Guilds []model.Guild `json:"guilds"`
}

// FetchWorkspaces loads the guild list. Guilds go through the same
// validation as the gateway's ready event.
func (c *Client) FetchWorkspaces(ctx context.Context) (Workspaces, error) {
	var resp struct {
		SelfID model.UserID    `json:"self_id"`
		Guilds json.RawMessage `json:"guilds"`
	}
	if err := c.getJSON(ctx, "/me/workspaces", &resp); err != nil {
		return Workspaces{}, fmt.Errorf("fetch workspaces: %w", err)
	}
	guilds, err := event.DecodeGuilds(resp.Guilds)
	if err != nil {
		return Workspaces{}, fmt.Errorf("fetch workspaces: %w", err)
	}
	return Workspaces{SelfID: resp.SelfID, Guilds: guilds}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do issues a GET and maps the status code; the caller closes the body of a
// successful response.
func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	logger.FromContext(ctx, c.log).Debug("request failed",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTransient, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
