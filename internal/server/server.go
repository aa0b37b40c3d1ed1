// Package server exposes fshost diagnostics over HTTP: Prometheus metrics and the current role and
// bootstrap state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"reflect"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Config struct {
	// Address is the hostname:port to listen on. The server is disabled when empty.
	Address string `mapstructure:"address"`
}

// StatusFunc returns the document served at /status.
type StatusFunc func() any

type Server struct {
	log *zap.Logger
	Config
	echo *echo.Echo
}

func New(log *zap.Logger, config Config, gatherer prometheus.Gatherer, status StatusFunc) *Server {
	log = log.With(zap.String("component", path.Base(reflect.TypeOf(Server{}).PkgPath())))
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, status())
	})
	return &Server{
		log:    log,
		Config: config,
		echo:   e,
	}
}

// Handler returns the HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Info("listening on local network address", zap.String("address", s.Address))
		errChan <- s.echo.Start(s.Address)
	}()
	select {
	case err := <-errChan:
		return fmt.Errorf("diagnostics server: error serving requests on %s: %w", s.Address, err)
	case <-ctx.Done():
	}
	s.log.Info("attempting to stop diagnostics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
