package app

import (
	"github.com/Gopher0727/chatsync/internal/model"
	"github.com/Gopher0727/chatsync/internal/state"
)

// PreviewRetrier restarts a failed preview fetch.
type PreviewRetrier interface {
	Retry(id model.AttachmentID) bool
}

// Invalidator drops cached usernames.
type Invalidator interface {
	Invalidate(ids ...model.UserID)
}

// userActions forwards inspect actions to the scheduler, the username
// cache and the store.
type userActions struct {
	previews PreviewRetrier
	users    Invalidator
	store    *state.Store
}

func (u *userActions) RetryPreview(id model.AttachmentID) bool {
	return u.previews.Retry(id)
}

// RefreshUsernames forgets the names in both the cache and the state. The
// state change wakes the follower, which resolves them again.
func (u *userActions) RefreshUsernames(ids ...model.UserID) {
	u.users.Invalidate(ids...)
	u.store.ForgetUsernames(ids...)
}
