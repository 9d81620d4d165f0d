package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// AnswerRequest asks a question about a repository.
type AnswerRequest struct {
	RepoID         string `json:"repoId" binding:"required"`
	Query          string `json:"query"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorWithDetail(c, http.StatusBadRequest, CodeBadRequest, "invalid request body", err.Error())
		return
	}
	user := userID(c)
	if _, err := s.access(c.Request.Context(), req.RepoID, user); err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.deps.Answers.Answer(c.Request.Context(), answer.Request{
		RepoID:         req.RepoID,
		Query:          req.Query,
		ConversationID: strings.TrimSpace(req.ConversationID),
		UserID:         user,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	Success(c, res)
}

func (s *Server) conversationContexts(c *gin.Context) {
	id := c.Param("id")
	if err := s.conversationReadable(c.Request.Context(), id, userID(c)); err != nil {
		s.fail(c, err)
		return
	}
	list, err := s.deps.Recorder.Contexts(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	Success(c, list)
}

// conversationReadable allows user to read a conversation when every turn
// was asked by user (or anonymously) against a repository user can access.
// A conversation with no turns is readable and empty.
func (s *Server) conversationReadable(ctx context.Context, conversationID, user string) error {
	queries, err := s.deps.Storage.ListQueriesByConversation(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	checked := make(map[string]struct{})
	for _, q := range queries {
		if q.UserID != "" && q.UserID != user {
			return types.ErrForbidden
		}
		if _, ok := checked[q.RepositoryID]; ok {
			continue
		}
		if _, err := s.access(ctx, q.RepositoryID, user); err != nil {
			return err
		}
		checked[q.RepositoryID] = struct{}{}
	}
	return nil
}
