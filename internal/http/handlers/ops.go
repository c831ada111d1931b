package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/services"
)

// SessionCounter reports the number of live conversation sessions.
type SessionCounter interface {
	Len() int
}

// Handler serves the ops endpoints.
type Handler struct {
	DB        *gorm.DB
	Orders    *services.OrderService
	Analytics *services.Refresher
	Sessions  SessionCounter
	Now       func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Health reports liveness plus a database ping.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "database unreachable")
		return
	}
	body := gin.H{"status": "ok"}
	if h.Sessions != nil {
		body["sessions"] = h.Sessions.Len()
	}
	ok(c, body)
}

// Analytics returns the last computed snapshot.
func (h *Handler) Analytics(c *gin.Context) {
	snap, err := h.Analytics.Snapshot(c.Request.Context())
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, snap)
}

// StatusSpan is one entry of an order's status history with the time spent
// in it. The current status has no end and runs until now.
type StatusSpan struct {
	Status          domain.Status `json:"status"`
	Since           time.Time     `json:"since"`
	Until           *time.Time    `json:"until,omitempty"`
	DurationSeconds int64         `json:"duration_seconds"`
}

// HistoryResponse is the body of GET /orders/:id/history.
type HistoryResponse struct {
	OrderID uint          `json:"order_id"`
	Number  string        `json:"number"`
	Status  domain.Status `json:"status"`
	History []StatusSpan  `json:"history"`
}

// OrderHistory returns the status log of one order.
func (h *Handler) OrderHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order id must be a positive integer")
		return
	}
	ctx := c.Request.Context()
	o, err := h.Orders.Get(ctx, uint(id))
	if err != nil {
		failService(c, err)
		return
	}
	logs, err := h.Orders.StatusHistory(ctx, o.ID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, HistoryResponse{
		OrderID: o.ID,
		Number:  h.Orders.DisplayNumber(ctx, o),
		Status:  o.Status,
		History: spans(logs, h.now()),
	})
}

func spans(logs []domain.StatusLog, now time.Time) []StatusSpan {
	out := make([]StatusSpan, 0, len(logs))
	for i, l := range logs {
		s := StatusSpan{Status: l.Status, Since: l.TS}
		end := now
		if i+1 < len(logs) {
			next := logs[i+1].TS
			s.Until = &next
			end = next
		}
		if d := end.Sub(l.TS); d > 0 {
			s.DurationSeconds = int64(d / time.Second)
		}
		out = append(out, s)
	}
	return out
}
