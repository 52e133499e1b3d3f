package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/message"
	"github.com/trezcool/shule/core/user"
	blobsvc "github.com/trezcool/shule/services/blob"
	"github.com/trezcool/shule/services/realtime"
)

type (
	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		Validate   *validator.Validate
		Translator ut.Translator
		UserSvc    *user.Service
		MessageSvc *message.Service
		Hub        *realtime.Hub
		Blobs      *blobsvc.Store
	}

	Server struct {
		deps     ServerDeps
		app      *echo.Echo
		errors   chan error
		shutdown chan os.Signal
	}
)

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = conf.TestMode
	s.app.HidePort = conf.TestMode
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !conf.TestMode {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	s.app.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: conf.Server.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug

	s.app.GET("/", s.home)
	s.app.GET("/uploads/*", s.download)

	jwt := middleware.JWTWithConfig(jwtConfig(conf))
	registerMessageAPI(s.app.Group("/messages"), jwt, messageApi{
		conf:     conf,
		logger:   s.deps.Logger,
		svc:      s.deps.MessageSvc,
		usrSvc:   s.deps.UserSvc,
		hub:      s.deps.Hub,
		validate: s.deps.Validate,
	})
}

// Start blocks until the server stops. Errors other than a graceful stop are sent to Errors().
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default: // already shutting down
	}
}

// Shutdown closes the realtime connections (hijacked, the http server does not track them)
// then stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.deps.Hub.Close(); err != nil {
		s.deps.Logger.Error("closing realtime hub", err)
	}
	return errors.Wrap(s.app.Shutdown(ctx), "shutting down server")
}

func (s *Server) Close() error {
	_ = s.deps.Hub.Close()
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.deps.Conf.AppName+" API!")
}

// download streams an attachment. Keys embed a random uuid, so the route is public like the public URL it backs.
func (s *Server) download(ctx echo.Context) error {
	r, err := s.deps.Blobs.Open(ctx.Request().Context(), ctx.Param("*"))
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	ctx.Response().Header().Set("Cache-Control", "private, max-age=86400")
	ctype := r.ContentType()
	if ctype == "" {
		ctype = echo.MIMEOctetStream
	}
	return ctx.Stream(http.StatusOK, ctype, r)
}
