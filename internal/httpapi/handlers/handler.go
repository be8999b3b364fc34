package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tablechat/internal/ai"
	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/config"
	"github.com/suPer8Hu/tablechat/internal/httpapi/middleware"
	"github.com/suPer8Hu/tablechat/internal/table"
	"gorm.io/gorm"
)

// JobPublisher enqueues async ask jobs.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Rabbit  JobPublisher
	Logger  *slog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, rabbit JobPublisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{DB: db, Cfg: cfg, ChatSvc: svc, Rabbit: rabbit, Logger: logger}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failErr maps service errors onto the response envelope.
func (h *Handler) failErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40403, err.Error())
	case errors.Is(err, common.ErrInvalidSession):
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
	case errors.Is(err, common.ErrConfig):
		common.Fail(c, http.StatusBadRequest, 10006, err.Error())
	case errors.Is(err, common.ErrExecution):
		common.Fail(c, http.StatusUnprocessableEntity, 42201, err.Error())
	case errors.Is(err, ai.ErrRateLimited):
		common.Fail(c, http.StatusTooManyRequests, 42901, "model rate limited, retry later")
	case errors.Is(err, ai.ErrMalformedOutput):
		common.Fail(c, http.StatusBadGateway, 50201, "model returned malformed output")
	case errors.Is(err, ai.ErrProviderUnavailable):
		common.Fail(c, http.StatusServiceUnavailable, 50301, "model provider unavailable")
	case errors.Is(err, common.ErrRaceCondition):
		common.Fail(c, http.StatusConflict, 40901, "concurrent update, retry")
	default:
		h.Logger.Error(op+" failed", "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type columnJSON struct {
	Name string     `json:"name"`
	Type table.Type `json:"type"`
}

type tableJSON struct {
	Columns []columnJSON `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

// renderTable emits row-major JSON; NaN and infinities become null.
func renderTable(t *table.Table) tableJSON {
	out := tableJSON{Columns: make([]columnJSON, 0, t.NumCols()), Rows: make([][]any, 0, t.NumRows())}
	for _, col := range t.Columns {
		out.Columns = append(out.Columns, columnJSON{Name: col.Name, Type: col.Type})
	}
	for i := 0; i < t.NumRows(); i++ {
		row := t.Row(i)
		for j, v := range row {
			if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				row[j] = nil
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}
