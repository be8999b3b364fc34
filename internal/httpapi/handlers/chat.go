package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/httpapi/middleware"
	"gorm.io/gorm"
)

type askReq struct {
	Query string `json:"query" binding:"required"`
	// Rows caps the preview of a new table state.
	Rows int `json:"rows"`
}

func (h *Handler) Ask(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Rows <= 0 || req.Rows > 100 {
		req.Rows = 10
	}

	ans, err := h.ChatSvc.Ask(c.Request.Context(), uid, c.Param("session_id"), req.Query)
	if err != nil {
		if errors.Is(err, common.ErrExecution) && ans != nil {
			common.FailData(c, http.StatusUnprocessableEntity, 42201, err.Error(), gin.H{"answer": ans})
			return
		}
		h.failErr(c, "ask", err)
		return
	}
	data := gin.H{"answer": ans}
	if ans.Table != nil {
		data["preview"] = renderTable(ans.Table.Head(req.Rows))
	}
	common.OK(c, data)
}

func (h *Handler) AskAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sid := c.Param("session_id")

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if err := h.ChatSvc.ValidateSessionOwner(c.Request.Context(), uid, sid); err != nil {
		h.failErr(c, "ask async", err)
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		h.failErr(c, "ask async", err)
		return
	}
	j, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      sid,
		Query:          req.Query,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	})
	if err != nil {
		h.failErr(c, "create job", err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Logger.Error("publish job failed",
				"request_id", c.GetString(middleware.RequestIDKey), "job", j.ID, "session", sid, "err", err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID, "created": created})
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil || j.UserID != uid {
		// hide existence
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "job not found")
			return
		}
		h.failErr(c, "get job", err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"query":             j.Query,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		h.failErr(c, "list messages", err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
