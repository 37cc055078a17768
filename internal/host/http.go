package host

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tjrbrom/forge/internal/diag"
	"github.com/tjrbrom/forge/internal/lobby"
)

// Handler returns the host's HTTP surface.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog)

	r.GET("/ws", s.handleWS)
	r.GET("/api/lobby", s.handleLobby)
	r.GET("/api/diagnostics", s.handleDiagnostics)
	r.GET("/api/matches", s.handleMatches)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func (s *Server) handleWS(c *gin.Context) {
	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.ClientCount() >= limit {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrTooManyConnections.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}

	if _, err := s.Accept(conn); err != nil {
		s.log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("rejecting client")
		reason := err.Error()
		if errors.Is(err, lobby.ErrNoOpenSlot) || errors.Is(err, lobby.ErrStarted) {
			reason = "no seat available"
		}
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (s *Server) handleLobby(c *gin.Context) {
	c.JSON(http.StatusOK, s.lobby.Snapshot())
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"send_errors": s.TotalSendErrors(),
		"clients":     s.ClientInfos(),
		"host":        diag.Collect(c.Request.Context()),
	})
}

func (s *Server) handleMatches(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no match history kept"})
		return
	}
	matches, err := s.history.Recent(c.Request.Context(), s.cfg.History.Recent)
	if err != nil {
		s.log.Warn().Err(err).Msg("list matches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, matches)
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("http")
}
