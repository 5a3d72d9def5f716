package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/testroom-dev/testroom/internal/lifecycle"
	"github.com/testroom-dev/testroom/internal/recording"
	"github.com/testroom-dev/testroom/internal/session"
)

const startFailedMessage = "could not start test room"

func (s *Server) handleHealth(c *gin.Context) {
	if s.ping != nil {
		if err := s.ping(c.Request.Context()); err != nil {
			s.logger.Error(err, "broker database unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- public ---

func (s *Server) handleOpen(c *gin.Context) {
	var req OpenRequest
	if !bindOptional(c, &req) {
		return
	}

	d, err := s.rooms.Open(c.Request.Context(), c.Param("id"), lifecycle.AccessRequest{
		Password: req.Password,
		Name:     req.Name,
		Email:    req.Email,
	})
	if err != nil {
		s.fail(c, err, startFailedMessage)
		return
	}
	c.JSON(http.StatusOK, d)
}

// handleTunnel opens a broker tunnel for a running room. It is a POST so the
// password never appears in a URL.
func (s *Server) handleTunnel(c *gin.Context) {
	var req OpenRequest
	if !bindOptional(c, &req) {
		return
	}

	tun, err := s.rooms.Tunnel(c.Request.Context(), c.Param("id"), lifecycle.AccessRequest{
		Password: req.Password,
		Name:     req.Name,
		Email:    req.Email,
	})
	if err != nil {
		s.fail(c, err, "could not open tunnel")
		return
	}
	c.JSON(http.StatusOK, tun)
}

func (s *Server) handleRoomStatus(c *gin.Context) {
	sess, err := s.rooms.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	c.JSON(http.StatusOK, RoomStatus{
		Status:    sess.Status,
		Ready:     sess.Status == session.StatusRunning,
		ExpiresAt: timePtr(sess.ExpiresAt),
	})
}

func (s *Server) handleRoomStop(c *gin.Context) {
	var req StopRequest
	if !bindOptional(c, &req) {
		return
	}
	err := s.rooms.Finish(c.Request.Context(), c.Param("id"), lifecycle.AccessRequest{Password: req.Password})
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

// --- admin ---

func (s *Server) handleCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	sess, err := s.rooms.Create(ctx, lifecycle.CreateRequest{
		Title:       req.Title,
		TestName:    req.TestName,
		OS:          session.OS(req.OS),
		ImageID:     req.ImageID,
		ProbeScript: req.ProbeScript,
		Password:    req.Password,
		TimeLimit:   time.Duration(req.TimeLimit) * time.Minute,
	})
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}

	if req.Launch {
		if err := s.rooms.Launch(ctx, sess.ID); err != nil {
			s.fail(c, err, startFailedMessage)
			return
		}
		if sess, err = s.rooms.Status(ctx, sess.ID); err != nil {
			s.fail(c, err, "internal error")
			return
		}
	}
	c.JSON(http.StatusCreated, newSessionView(sess))
}

func (s *Server) handleList(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	summaries, err := s.lister.ListSessions(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

func (s *Server) handleGet(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.rooms.Status(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	view := newSessionView(sess)
	if sess.Status == session.StatusRunning {
		if d, err := s.rooms.Descriptor(ctx, sess); err == nil {
			view.Descriptor = d
		} else {
			s.logger.Error(err, "building descriptor failed", "session", sess.ID)
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.rooms.Status(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	view := StatusView{Status: sess.Status, Ready: sess.Status == session.StatusRunning}
	if view.Ready {
		d, err := s.rooms.Descriptor(ctx, sess)
		if err != nil {
			s.fail(c, err, "internal error")
			return
		}
		view.Descriptor = d
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.rooms.Stop(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, "internal error")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

func (s *Server) handleReset(c *gin.Context) {
	var req ResetRequest
	if !bindOptional(c, &req) {
		return
	}
	sess, err := s.rooms.Reconcile(c.Request.Context(), c.Param("id"), req.Unlock)
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	c.JSON(http.StatusOK, newSessionView(sess))
}

func (s *Server) handleRecording(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.rooms.Status(ctx, id); err != nil {
		s.fail(c, err, "internal error")
		return
	}
	if s.playback == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording playback is not configured"})
		return
	}
	url, expires, err := s.playback.URL(ctx, id)
	if err != nil {
		s.fail(c, err, "internal error")
		return
	}
	c.JSON(http.StatusOK, RecordingView{URL: url, ExpiresAt: expires})
}

// bindOptional decodes a JSON body when there is one.
func bindOptional(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// fail maps lifecycle errors to status codes. Unexpected errors are
// logged; the client only sees generic.
func (s *Server) fail(c *gin.Context, err error, generic string) {
	switch {
	case errors.Is(err, lifecycle.ErrInProgress):
		c.JSON(http.StatusAccepted, gin.H{"status": "in_progress"})
	case errors.Is(err, lifecycle.ErrDenied):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect password"})
	case errors.Is(err, lifecycle.ErrLocked):
		c.JSON(http.StatusLocked, gin.H{"error": "too many failed attempts, room is locked"})
	case errors.Is(err, lifecycle.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "test room has expired"})
	case errors.Is(err, lifecycle.ErrTerminated):
		c.JSON(http.StatusGone, gin.H{"error": "test room has ended"})
	case errors.Is(err, lifecycle.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "test room not found"})
	case errors.Is(err, lifecycle.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrInstanceLive):
		c.JSON(http.StatusConflict, gin.H{"error": "instance is still live"})
	case errors.Is(err, recording.ErrNoBucket):
		c.JSON(http.StatusNotFound, gin.H{"error": "recording playback is not configured"})
	default:
		s.logger.Error(err, "request failed", "route", c.FullPath(), "session", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": generic})
	}
}
