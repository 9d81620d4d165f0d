package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchProgress streams progress snapshots of the repository's run as JSON
// text frames until the run reaches a terminal state, then closes
// normally. Without a tracked run the stored status is sent once.
func (s *Server) watchProgress(c *gin.Context) {
	repo, err := s.readable(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "repo_id", repo.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client sends nothing; reading only notices the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, err := s.deps.Progress.Subscribe(ctx, repo.ID)
	if errors.Is(err, progress.ErrNoRun) {
		st, serr := s.deps.Indexer.Status(ctx, repo.ID)
		if serr != nil {
			s.closeWith(conn, websocket.CloseInternalServerErr, serr.Error())
			return
		}
		if err := s.send(conn, statusSnapshot(st)); err != nil {
			return
		}
		s.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}
	if err != nil {
		s.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			if err := s.send(conn, snap); err != nil {
				s.logger.Debug("progress client gone", "repo_id", repo.ID, "error", err)
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, snap types.Progress) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func statusSnapshot(st *types.RepositoryStatus) types.Progress {
	updated := time.Now().UTC()
	if st.LastIndexedAt != nil {
		updated = *st.LastIndexedAt
	}
	return types.Progress{
		RepoID:    st.RepoID,
		RunID:     st.RunID,
		State:     st.State,
		Phases:    st.Phases,
		Error:     st.Error,
		UpdatedAt: updated,
	}
}
