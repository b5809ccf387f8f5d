// Package handler exposes the scan orchestrator over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"academy/internal/auth"
	"academy/internal/identity"
	"academy/internal/ledger"
	"academy/internal/scan"
	"academy/internal/session"
	"academy/internal/token"
)

const dateLayout = "2006-01-02"

// Handler serves the attendance, store and allowance routes.
type Handler struct {
	o   *scan.Orchestrator
	log *logrus.Entry
}

func New(o *scan.Orchestrator, log *logrus.Entry) *Handler {
	return &Handler{o: o, log: log}
}

// Register mounts every route behind authn on r.
func (h *Handler) Register(r gin.IRouter, authn gin.HandlerFunc, extra ...gin.HandlerFunc) {
	g := r.Group("", append([]gin.HandlerFunc{authn}, extra...)...)

	teacher := auth.RequireRole(identity.RoleTeacher)
	student := auth.RequireRole(identity.RoleStudent)
	admin := auth.RequireRole(identity.RoleAdmin)

	g.POST("/attendance/sessions", teacher, h.openSession)
	g.POST("/attendance/sessions/:id/close", teacher, h.closeSession)
	g.GET("/attendance/sessions/:id/records", teacher, h.sessionRecords)
	g.POST("/attendance/issue", student, h.issueAttendance)
	g.POST("/attendance/scan", teacher, h.scanAttendance)

	g.POST("/store/issue", student, h.issueStore)
	g.POST("/store/scan", auth.RequireRole(identity.RoleStore), h.scanStore)
	readers := auth.RequireRole(identity.RoleStudent, identity.RoleAdmin)
	g.GET("/store/balance", readers, h.balance)
	g.GET("/store/transactions", readers, h.transactions)

	g.POST("/allowance/reset", admin, h.resetAllowance)
	g.POST("/allowance/reset-all", admin, h.resetAll)
	g.POST("/allowance/bump", admin, h.bumpAllowance)
}

// Health reports each named check; any failure yields 503.
func Health(checks map[string]func(ctx context.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			ok := check(c.Request.Context())
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}

func actor(c *gin.Context) scan.Actor {
	claims, _ := auth.ClaimsFrom(c)
	return scan.Actor{UserID: claims.UserID(), Role: claims.Role}
}

type tokenResponse struct {
	Token     string        `json:"token"`
	TokenID   string        `json:"token_id"`
	Purpose   token.Purpose `json:"purpose"`
	SessionID string        `json:"session_id,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
	ExpiresIn int64         `json:"expires_in"`
}

func newTokenResponse(t token.Token) tokenResponse {
	return tokenResponse{
		Token:     t.Signed,
		TokenID:   t.ID,
		Purpose:   t.Purpose,
		SessionID: t.Context,
		ExpiresAt: t.ExpiresAt,
		ExpiresIn: int64(time.Until(t.ExpiresAt).Seconds()),
	}
}

func (h *Handler) openSession(c *gin.Context) {
	var req struct {
		ClassID string       `json:"class_id" binding:"required"`
		Mode    session.Mode `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = session.ModeStatic
	}
	s, err := h.o.OpenSession(c.Request.Context(), actor(c), req.ClassID, req.Mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) closeSession(c *gin.Context) {
	s, err := h.o.CloseSession(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) sessionRecords(c *gin.Context) {
	recs, err := h.o.SessionRecords(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []session.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *Handler) issueAttendance(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	t, err := h.o.IssueAttendance(c.Request.Context(), actor(c), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTokenResponse(t))
}

func (h *Handler) scanAttendance(c *gin.Context) {
	var req scan.ScanAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rec, err := h.o.ScanAttendance(c.Request.Context(), actor(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) issueStore(c *gin.Context) {
	t, err := h.o.IssueStore(c.Request.Context(), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTokenResponse(t))
}

func (h *Handler) scanStore(c *gin.Context) {
	var req scan.ScanStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tx, err := h.o.ScanStore(c.Request.Context(), actor(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *Handler) balance(c *gin.Context) {
	bal, err := h.o.Balance(c.Request.Context(), actor(c), c.Query("student_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) transactions(c *gin.Context) {
	var date time.Time
	if v := c.Query("date"); v != "" {
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			badRequest(c, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	txs, err := h.o.Transactions(c.Request.Context(), actor(c), c.Query("student_id"), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type allowanceRequest struct {
	StudentID string           `json:"student_id"`
	Date      string           `json:"date"`
	Base      *decimal.Decimal `json:"base_amount"`
	Bonus     *decimal.Decimal `json:"bonus_amount"`
	Delta     decimal.Decimal  `json:"delta"`
}

func (r allowanceRequest) date() (time.Time, error) {
	if r.Date == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, r.Date)
}

func (h *Handler) bindAllowance(c *gin.Context, needStudent bool) (allowanceRequest, time.Time, bool) {
	var req allowanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return req, time.Time{}, false
	}
	if needStudent && req.StudentID == "" {
		badRequest(c, "student_id is required")
		return req, time.Time{}, false
	}
	date, err := req.date()
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return req, time.Time{}, false
	}
	return req, date, true
}

func (h *Handler) resetAllowance(c *gin.Context) {
	req, date, ok := h.bindAllowance(c, true)
	if !ok {
		return
	}
	a, err := h.o.ResetAllowance(c.Request.Context(), actor(c), req.StudentID, date, req.Base, req.Bonus)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) resetAll(c *gin.Context) {
	req, date, ok := h.bindAllowance(c, false)
	if !ok {
		return
	}
	n, err := h.o.ResetAllAllowances(c.Request.Context(), actor(c), date, req.Base)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (h *Handler) bumpAllowance(c *gin.Context) {
	req, date, ok := h.bindAllowance(c, true)
	if !ok {
		return
	}
	a, err := h.o.BumpAllowance(c.Request.Context(), actor(c), req.StudentID, date, req.Delta)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
