// sync.go - фоновое обновление кэша состояния.
//
// SyncService запускает горутину с ticker (BL_SYNC_INTERVAL) и обновляет кэш,
// пока сессия активна. Без сессии тик пропускается: чтение ledger требует Handle.
package service

import (
	"context"
	"log/slog"
	"time"
)

// ConnectionState - источник признака активной сессии.
type ConnectionState interface {
	Connected() bool
}

// SyncService - фоновый сервис обновления кэша.
type SyncService struct {
	cache    *StateCache
	session  ConnectionState
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncService создаёт сервис обновления кэша.
func NewSyncService(cache *StateCache, session ConnectionState, interval time.Duration, logger *slog.Logger) *SyncService {
	return &SyncService{
		cache:    cache,
		session:  session,
		interval: interval,
		logger:   logger.With(slog.String("component", "state_sync")),
	}
}

// Start запускает фоновую горутину. Вызывается один раз при старте приложения.
func (s *SyncService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Фоновое обновление кэша запущено",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Фоновое обновление кэша остановлено")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *SyncService) tick(ctx context.Context) {
	if !s.session.Connected() {
		return
	}
	if err := s.cache.Refresh(ctx); err != nil {
		s.logger.Warn("Фоновое обновление кэша не удалось", slog.String("error", err.Error()))
		return
	}
	summary := s.cache.Summary()
	s.logger.Debug("Фоновое обновление кэша завершено",
		slog.Int("donations", summary.Donations),
		slog.Int("requests", summary.Requests),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *SyncService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
