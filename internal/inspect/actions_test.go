package inspect

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Gopher0727/chatsync/internal/model"
)

type fakeActions struct {
	failed    map[model.AttachmentID]bool
	retried   []model.AttachmentID
	refreshed []model.UserID
}

func (f *fakeActions) RetryPreview(id model.AttachmentID) bool {
	if !f.failed[id] {
		return false
	}
	f.retried = append(f.retried, id)
	return true
}

func (f *fakeActions) RefreshUsernames(ids ...model.UserID) {
	f.refreshed = append(f.refreshed, ids...)
}

func (f *fixture) post(path, body string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.srv.Handler().ServeHTTP(w, req)
	return w.Code
}

func TestActionsDisabled(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotImplemented, f.post("/actions/previews/a1/retry", ""))
	assert.Equal(t, http.StatusNotImplemented, f.post("/actions/usernames/refresh", `{"user_ids":["u1"]}`))
}

func TestRetryPreviewAction(t *testing.T) {
	f := newFixture(t)
	acts := &fakeActions{failed: map[model.AttachmentID]bool{"a1": true}}
	f.srv.SetActions(acts)

	assert.Equal(t, http.StatusAccepted, f.post("/actions/previews/a1/retry", ""))
	assert.Equal(t, http.StatusConflict, f.post("/actions/previews/a2/retry", ""))
	assert.Equal(t, []model.AttachmentID{"a1"}, acts.retried)
}

func TestRefreshUsernamesAction(t *testing.T) {
	f := newFixture(t)
	acts := &fakeActions{}
	f.srv.SetActions(acts)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ids", `{"user_ids":["u1","u2"]}`, http.StatusAccepted},
		{"empty list", `{"user_ids":[]}`, http.StatusBadRequest},
		{"missing field", `{}`, http.StatusBadRequest},
		{"blank id", `{"user_ids":[""]}`, http.StatusBadRequest},
		{"malformed", `{"user_ids":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.post("/actions/usernames/refresh", tt.body))
		})
	}
	assert.Equal(t, []model.UserID{"u1", "u2"}, acts.refreshed)
}
