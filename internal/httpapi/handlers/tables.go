package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/table"
)

const maxUpload = 32 << 20

// CreateTableSession starts an analysis session from a multipart CSV upload
// in the "file" field. provider and model are optional form fields.
func (h *Handler) CreateTableSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10010, "csv file required in field \"file\"")
		return
	}
	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10011, "cannot read upload")
		return
	}
	defer f.Close()

	sess, snap, err := h.ChatSvc.CreateSessionFromCSV(c.Request.Context(), chat.NewSession{
		UserID:   uid,
		Provider: c.PostForm("provider"),
		Model:    c.PostForm("model"),
		Source:   filepath.Base(fh.Filename),
	}, f)
	if err != nil {
		if errors.Is(err, table.ErrBadCSV) {
			common.Fail(c, http.StatusBadRequest, 10012, err.Error())
			return
		}
		h.failErr(c, "create table session", err)
		return
	}
	common.OK(c, gin.H{"session": sess, "state": snap})
}

func (h *Handler) ListTableSessions(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, limit)
	if err != nil {
		h.failErr(c, "list sessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) GetState(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	snap, err := h.ChatSvc.State(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		h.failErr(c, "get state", err)
		return
	}
	common.OK(c, gin.H{"state": snap})
}

func (h *Handler) GetRows(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	t, snap, err := h.ChatSvc.Rows(c.Request.Context(), uid, c.Param("session_id"), limit)
	if err != nil {
		h.failErr(c, "get rows", err)
		return
	}
	common.OK(c, gin.H{"state": snap, "table": renderTable(t)})
}

func (h *Handler) Undo(c *gin.Context) { h.step(c, "undo") }

func (h *Handler) Redo(c *gin.Context) { h.step(c, "redo") }

func (h *Handler) step(c *gin.Context, dir string) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sid := c.Param("session_id")
	move := h.ChatSvc.Undo
	if dir == "redo" {
		move = h.ChatSvc.Redo
	}
	step, err := move(c.Request.Context(), uid, sid)
	if err != nil {
		h.failErr(c, dir, err)
		return
	}
	if step == nil {
		common.Fail(c, http.StatusNotFound, 40403, "session has no state")
		return
	}
	common.OK(c, gin.H{"state": step.Snapshot, "moved": step.Moved})
}

func (h *Handler) GetHistory(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	hist, err := h.ChatSvc.History(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		h.failErr(c, "history", err)
		return
	}
	common.OK(c, gin.H{"history": hist})
}
