// Package httpapi is the Echo application: the auth handshake, the profile
// and avatar endpoints, the operator-facing internal API, and the websocket
// route.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"avatarhub/internal/auth"
	"avatarhub/internal/avatar"
	"avatarhub/internal/config"
	"avatarhub/internal/registry"
	"avatarhub/internal/session"
	"avatarhub/internal/store"
)

// Server is the Echo application.
type Server struct {
	// Admit gates the internal API. The default accepts requests whose Host
	// header is the literal "lambda"; deployments should replace it with a
	// real credential check.
	Admit func(*http.Request) bool

	echo       *echo.Echo
	cfg        *config.Holder
	registry   *registry.Registry
	auth       *auth.Service
	avatars    *avatar.Store
	notifier   *session.Notifier
	sessions   *session.Map
	ws         *session.Handler
	moderation *store.Store
	versions   *versionCache
	assetsDir  string
	log        zerolog.Logger
}

// Deps carries everything the server routes over.
type Deps struct {
	Config     *config.Holder
	Registry   *registry.Registry
	Auth       *auth.Service
	Avatars    *avatar.Store
	Notifier   *session.Notifier
	Sessions   *session.Map
	WS         *session.Handler
	Moderation *store.Store
	AssetsDir  string
	Log        zerolog.Logger
}

// New constructs the Echo app with all routes registered.
func New(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		Admit:      func(r *http.Request) bool { return r.Host == "lambda" },
		echo:       e,
		cfg:        d.Config,
		registry:   d.Registry,
		auth:       d.Auth,
		avatars:    d.Avatars,
		notifier:   d.Notifier,
		sessions:   d.Sessions,
		ws:         d.WS,
		moderation: d.Moderation,
		versions:   newVersionCache(d.Log),
		assetsDir:  d.AssetsDir,
		log:        d.Log,
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// The game client sends a doubled slash after /api; both spellings are
	// routed.
	for _, prefix := range []string{"/api/", "/api//"} {
		e.GET(prefix+"auth/id", s.handleAuthID)
		e.GET(prefix+"auth/verify", s.handleAuthVerify)
	}
	if s.assetsDir != "" {
		e.Static("/api/assets", s.assetsDir)
		e.Static("/api//assets", s.assetsDir)
	}

	api := e.Group("/api")
	api.GET("/motd", s.handleMOTD)
	api.GET("/version", s.handleVersion)
	api.GET("/limits", s.handleLimits, s.requireToken)
	api.PUT("/avatar", s.handleAvatarUpload, s.requireToken)
	api.DELETE("/avatar", s.handleAvatarDelete, s.requireToken)
	api.POST("/equip", s.handleEquip, s.requireToken)
	api.GET("/:uuid", s.handleUserInfo)
	api.GET("/:uuid/avatar", s.handleAvatarDownload)

	internal := e.Group("/internal", s.requireInternal)
	internal.PUT("/:uuid/temp", s.handleInternalTempPut)
	internal.DELETE("/:uuid/temp", s.handleInternalTempDelete)
	internal.PUT("/:uuid/avatar", s.handleInternalAvatarPut)
	internal.DELETE("/:uuid/avatar", s.handleInternalAvatarDelete)
	internal.GET("/:uuid/event", s.handleInternalEvent)
	internal.PUT("/:uuid/uploads", s.handleInternalUploads)

	s.ws.Register(e)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Sessions: s.sessions.Len()})
}
