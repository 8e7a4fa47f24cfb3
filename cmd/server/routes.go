package main

import (
	"context"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/pkg/breeze"
	"github.com/gin-gonic/gin"
)

type server struct {
	b   *breeze.Breeze
	cfg breeze.Config
}

func newServer(b *breeze.Breeze, cfg breeze.Config) *server {
	return &server{b: b, cfg: cfg}
}

type answerRequest struct {
	Query   string               `json:"query" binding:"required"`
	History []breezeflow.Message `json:"history"`
}

type turnRequest struct {
	Query string `json:"query" binding:"required"`
}

type asyncRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query" binding:"required"`
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.GET("/tools", s.listTools)
	v1.POST("/answer", s.answer)

	sessions := v1.Group("/sessions")
	sessions.GET("", s.listSessions)
	sessions.POST("/:id/turns", s.sessionTurn)
	sessions.GET("/:id/history", s.sessionHistory)
	sessions.DELETE("/:id", s.resetSession)
	sessions.GET("/:id/stream", s.stream)

	turns := v1.Group("/turns")
	turns.POST("", s.startTurn)
	turns.GET("", s.listTurns)
	turns.GET("/:id", s.turnStatus)
	turns.GET("/:id/result", s.turnResult)
	turns.DELETE("/:id", s.cancelTurn)

	return r
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"tools":    len(s.b.ListTools()),
		"executor": s.b.ExecutorMetrics(),
	})
}

func (s *server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.b.ListTools()})
}

// answer runs a stateless turn over a client-supplied history.
func (s *server) answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	history := breezeflow.SanitizeHistory(req.History, s.cfg.Orchestrator.MaxHistoryItems)
	answer, updated, err := s.b.AnswerWithHistory(c.Request.Context(), req.Query, history)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer, "history": updated})
}

func (s *server) listSessions(c *gin.Context) {
	ids, err := s.b.Sessions().Sessions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

func (s *server) sessionTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	answer, err := s.b.AnswerSession(c.Request.Context(), c.Param("id"), req.Query)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "answer": answer})
}

func (s *server) sessionHistory(c *gin.Context) {
	h, err := s.b.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if h == nil {
		h = breezeflow.History{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "history": h})
}

func (s *server) resetSession(c *gin.Context) {
	if err := s.b.Sessions().Reset(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) startTurn(c *gin.Context) {
	var req asyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.b.AnswerAsync(c.Request.Context(), req.SessionID, req.Query)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"turn_id": id})
}

func (s *server) listTurns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"turns": s.b.ListTurns()})
}

func (s *server) turnStatus(c *gin.Context) {
	status, err := s.b.TurnStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// turnResult returns the answer of a finished turn. With ?wait=<duration>
// it blocks until the turn ends or the wait elapses.
func (s *server) turnResult(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.b.TurnStatus(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": err.Error()})
		return
	}

	var (
		answer string
		err    error
	)
	if raw := c.Query("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil {
			badRequest(c, perr)
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		answer, err = s.b.WaitTurn(ctx, id)
	} else {
		answer, err = s.b.TurnResult(id)
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"turn_id": id, "answer": answer})
	case breezeflow.IsBreezeError(err):
		fail(c, err)
	default:
		status, _ := s.b.TurnStatus(id)
		c.JSON(http.StatusAccepted, status)
	}
}

func (s *server) cancelTurn(c *gin.Context) {
	cancelled, err := s.b.CancelTurn(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turn_id": c.Param("id"), "cancelled": cancelled})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": breezeflow.ErrCodeValidation, "message": err.Error()})
}

// fail writes err with the HTTP status matching its code.
func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": breezeflow.CodeOf(err), "message": breezeflow.Detail(err)})
}

func statusOf(err error) int {
	switch breezeflow.CodeOf(err) {
	case breezeflow.ErrCodeValidation:
		return http.StatusBadRequest
	case breezeflow.ErrCodeHistoryWriteConflict:
		return http.StatusConflict
	case breezeflow.ErrCodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	case breezeflow.ErrCodeGatewayMalformedOutput:
		return http.StatusBadGateway
	case breezeflow.ErrCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
