package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testroom-dev/testroom/internal/lifecycle"
	"github.com/testroom-dev/testroom/internal/session"
)

// Rooms is the part of the lifecycle manager the HTTP surface drives.
type Rooms interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*session.Session, error)
	Open(ctx context.Context, id string, req lifecycle.AccessRequest) (*lifecycle.Descriptor, error)
	Tunnel(ctx context.Context, id string, req lifecycle.AccessRequest) (*lifecycle.Tunnel, error)
	Finish(ctx context.Context, id string, req lifecycle.AccessRequest) error
	Launch(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*session.Session, error)
	Descriptor(ctx context.Context, sess *session.Session) (*lifecycle.Descriptor, error)
	Stop(ctx context.Context, id string) error
	Reconcile(ctx context.Context, id string, unlock bool) (*session.Session, error)
}

// Lister lists session summaries.
type Lister interface {
	ListSessions(ctx context.Context, limit int) ([]session.Summary, error)
}

// Playback presigns recording links.
type Playback interface {
	URL(ctx context.Context, sessionID string) (string, time.Time, error)
}

// Options configures a Server. Ping, when set, is checked by /health and a
// failure reports the server as degraded.
type Options struct {
	AdminToken string
	RateLimit  float64 // requests/second per client IP on the public group
	RateBurst  int
	Logger     logr.Logger
	Ping       func(ctx context.Context) error
}

// Server is the test room HTTP server.
type Server struct {
	rooms    Rooms
	lister   Lister
	playback Playback
	logger   logr.Logger
	ping     func(ctx context.Context) error

	engine   *gin.Engine
	listener net.Listener
	server   *http.Server
}

// New builds the router without binding a listener.
func New(rooms Rooms, lister Lister, playback Playback, opts Options) *Server {
	s := &Server{
		rooms:    rooms,
		lister:   lister,
		playback: playback,
		logger:   opts.Logger,
		ping:     opts.Ping,
	}
	s.engine = s.routes(opts)
	return s
}

// Listen binds addr. Use ":0" or "127.0.0.1:0" for a random port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: binding listener: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if s.server == nil {
		return errors.New("server: Listen not called")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observe(opts.Logger))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")

	rooms := v1.Group("/rooms/:id", rateLimit(opts.RateLimit, opts.RateBurst))
	{
		rooms.POST("/open", s.handleOpen)
		rooms.POST("/tunnel", s.handleTunnel)
		rooms.GET("/status", s.handleRoomStatus)
		rooms.POST("/stop", s.handleRoomStop)
	}

	admin := v1.Group("/sessions", requireAdmin(opts.AdminToken))
	{
		admin.POST("", s.handleCreate)
		admin.GET("", s.handleList)
		admin.GET("/:id", s.handleGet)
		admin.GET("/:id/status", s.handleStatus)
		admin.POST("/:id/stop", s.handleStop)
		admin.POST("/:id/reset", s.handleReset)
		admin.GET("/:id/recording", s.handleRecording)
	}
	return r
}
