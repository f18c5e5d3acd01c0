package inspect

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/internal/model"
)

// Actions are the user-triggered operations the UI layer can request.
type Actions interface {
	// RetryPreview restarts a failed preview fetch and reports whether the
	// attachment was in the failed state.
	RetryPreview(id model.AttachmentID) bool
	// RefreshUsernames drops cached names so they are looked up again.
	RefreshUsernames(ids ...model.UserID)
}

type refreshRequest struct {
	UserIDs []model.UserID `json:"user_ids" binding:"required,min=1,dive,required"`
}

// SetActions enables the /actions routes. Call it before Run.
func (s *Server) SetActions(a Actions) {
	s.actions = a
}

func (s *Server) retryPreview(c *gin.Context) {
	if s.actions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "actions disabled"})
		return
	}
	id := model.AttachmentID(c.Param("id"))
	if !s.actions.RetryPreview(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "preview is not failed", "id": id})
		return
	}
	s.log.Info("preview retry requested", zap.String("attachment_id", string(id)))
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) refreshUsernames(c *gin.Context) {
	if s.actions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "actions disabled"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.actions.RefreshUsernames(req.UserIDs...)
	c.JSON(http.StatusAccepted, gin.H{"user_ids": req.UserIDs})
}
