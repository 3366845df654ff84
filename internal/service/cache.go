// Пакет service - бизнес-логика bloodlink.
// StateCache - локальная копия донаций и запросов крови из ledger.
// Читатели видят согласованный снимок: коллекции заменяются атомарно целиком.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/bloodlink/internal/domain/model"
)

// Prometheus-метрики кэша состояния.
var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bl_cache_refresh_total",
		Help: "Количество обновлений кэша по исходу (ok, error, demo).",
	}, []string{"outcome"})
	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bl_cache_refresh_duration_seconds",
		Help:    "Длительность обновления кэша.",
		Buckets: prometheus.DefBuckets,
	})
	cacheRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bl_cache_records",
		Help: "Количество записей в кэше по типу (donations, requests).",
	}, []string{"kind"})
)

// Fetcher - источник коллекций для обновления кэша.
type Fetcher interface {
	FetchDonations(ctx context.Context) ([]model.Donation, error)
	FetchRequests(ctx context.Context) ([]model.BloodRequest, error)
}

// snapshot - неизменяемое состояние кэша.
type snapshot struct {
	donations   []model.Donation
	requests    []model.BloodRequest
	refreshedAt time.Time
	demo        bool
}

// StateCache - кэш состояния приложения.
type StateCache struct {
	fetcher      Fetcher
	demoFallback bool
	now          func() time.Time
	logger       *slog.Logger

	// refreshMu сериализует обновления (API и фоновая синхронизация).
	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

// NewStateCache создаёт пустой кэш.
// demoFallback включает демонстрационный набор при неудачном обновлении пустого кэша.
func NewStateCache(fetcher Fetcher, demoFallback bool, logger *slog.Logger) *StateCache {
	c := &StateCache{
		fetcher:      fetcher,
		demoFallback: demoFallback,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "state_cache")),
	}
	c.store(&snapshot{})
	return c
}

// Refresh загружает донации и запросы параллельно и заменяет обе коллекции.
// При ошибке непустой кэш не меняется, пустой получает демонстрационный набор.
func (c *StateCache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	defer func() { refreshDuration.Observe(time.Since(start).Seconds()) }()

	var (
		donations []model.Donation
		requests  []model.BloodRequest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		donations, err = c.fetcher.FetchDonations(gctx)
		if err != nil {
			return fmt.Errorf("загрузка донаций: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		requests, err = c.fetcher.FetchRequests(gctx)
		if err != nil {
			return fmt.Errorf("загрузка запросов крови: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		current := c.snap.Load()
		if c.demoFallback && len(current.donations) == 0 && len(current.requests) == 0 {
			c.store(&snapshot{
				donations:   demoDonations(),
				requests:    demoRequests(c.now()),
				refreshedAt: c.now(),
				demo:        true,
			})
			refreshTotal.WithLabelValues("demo").Inc()
			c.logger.Warn("Ledger недоступен, загружены демонстрационные данные",
				slog.String("error", err.Error()),
			)
		} else {
			refreshTotal.WithLabelValues("error").Inc()
			c.logger.Warn("Обновление кэша не удалось, данные сохранены",
				slog.String("error", err.Error()),
				slog.Int("donations", len(current.donations)),
				slog.Int("requests", len(current.requests)),
			)
		}
		return fmt.Errorf("обновление кэша: %w", err)
	}

	if donations == nil {
		donations = []model.Donation{}
	}
	if requests == nil {
		requests = []model.BloodRequest{}
	}
	c.store(&snapshot{donations: donations, requests: requests, refreshedAt: c.now()})
	refreshTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("Кэш обновлён",
		slog.Int("donations", len(donations)),
		slog.Int("requests", len(requests)),
	)
	return nil
}

func (c *StateCache) store(s *snapshot) {
	c.snap.Store(s)
	cacheRecords.WithLabelValues("donations").Set(float64(len(s.donations)))
	cacheRecords.WithLabelValues("requests").Set(float64(len(s.requests)))
}

// Clear очищает обе коллекции.
func (c *StateCache) Clear() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.store(&snapshot{})
}

// Donations возвращает копию всех донаций.
func (c *StateCache) Donations() []model.Donation {
	return slices.Clone(c.snap.Load().donations)
}

// Requests возвращает копию всех запросов крови.
func (c *StateCache) Requests() []model.BloodRequest {
	return slices.Clone(c.snap.Load().requests)
}

// FilterByParticipant возвращает донации, где participant - донор или получатель.
func (c *StateCache) FilterByParticipant(participant string) []model.Donation {
	out := []model.Donation{}
	for _, d := range c.snap.Load().donations {
		if d.InvolvesParticipant(participant) {
			out = append(out, d)
		}
	}
	return out
}

// OpenRequests возвращает запросы крови со статусом open.
func (c *StateCache) OpenRequests() []model.BloodRequest {
	out := []model.BloodRequest{}
	for _, r := range c.snap.Load().requests {
		if r.Status == model.RequestOpen {
			out = append(out, r)
		}
	}
	return out
}

// Summary - сводка состояния кэша.
type Summary struct {
	Donations   int       `json:"donations"`
	Requests    int       `json:"requests"`
	Demo        bool      `json:"demo"`
	RefreshedAt time.Time `json:"refreshed_at,omitzero"`
}

// Summary возвращает сводку текущего снимка.
func (c *StateCache) Summary() Summary {
	s := c.snap.Load()
	return Summary{
		Donations:   len(s.donations),
		Requests:    len(s.requests),
		Demo:        s.demo,
		RefreshedAt: s.refreshedAt,
	}
}
