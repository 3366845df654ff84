// Пакет server - HTTP-сервер bloodlink с graceful shutdown.
// Без TLS: TLS termination выполняется на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/bloodlink/internal/api/handlers"
	"github.com/bigkaa/bloodlink/internal/api/middleware"
	"github.com/bigkaa/bloodlink/internal/api/openapi"
	"github.com/bigkaa/bloodlink/internal/config"
)

// Server - HTTP-сервер bloodlink.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает chi router со всеми маршрутами API.
// validator - middleware валидации по OpenAPI (nil - без валидации).
func NewRouter(h *handlers.APIHandler, logger *slog.Logger, validator func(http.Handler) http.Handler) chi.Router {
	router := chi.NewRouter()

	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	if validator != nil {
		router.Use(validator)
	}

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)
	router.Get("/openapi.yaml", openapi.ServeSpec)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session/login", h.BeginLogin)
		r.Get("/session/callback", h.LoginCallback)
		r.Post("/session/logout", h.Logout)

		r.Post("/participants", h.RegisterDonor)
		r.Get("/participants/{principal}", h.GetDonorProfile)

		r.Get("/donations", h.ListDonations)
		r.Post("/donations", h.RecordDonation)

		r.Get("/requests", h.ListRequests)
		r.Post("/requests", h.CreateRequest)
		r.Post("/requests/{id}/fulfill", h.FulfillRequest)

		r.Post("/refresh", h.Refresh)
		r.Get("/stats", h.GetStats)

		r.Get("/certificates", h.ListCertificates)
		r.Post("/certificates/{tokenId}/transfer", h.TransferCertificate)

		r.Get("/notifications", h.ListNotifications)
	})

	return router
}

// New создаёт HTTP-сервер поверх готового router.
func New(cfg *config.Config, logger *slog.Logger, router http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
