// health.go - обработчики health endpoints bloodlink.
// /health/live - liveness probe (процесс жив)
// /health/ready - readiness probe (ledger и хранилище сессии доступны)
// /metrics - Prometheus метрики
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/bloodlink/internal/config"
)

const serviceName = "bloodlink"

// Статусы health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// ReadinessChecker - интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// HealthHandler - обработчик health endpoints.
type HealthHandler struct {
	ledgerChecker  ReadinessChecker
	sessionChecker ReadinessChecker
	promHandler    http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// ledgerChecker - проверка ledger (nil - readiness вернёт "fail").
// sessionChecker - проверка хранилища сессии (nil - проверка не выполняется,
// например для файлового хранилища).
func NewHealthHandler(ledgerChecker, sessionChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		ledgerChecker:  ledgerChecker,
		sessionChecker: sessionChecker,
		promHandler:    promhttp.Handler(),
	}
}

// healthCheckResult - результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse - ответ liveness/readiness probe.
type healthResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks,omitempty"`
}

// HealthLive - liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady - readiness probe. Проверяет ledger и хранилище сессии.
// Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    make(map[string]healthCheckResult, 2),
	}

	if h.ledgerChecker != nil {
		st, msg := h.ledgerChecker.CheckReady()
		resp.Checks["ledger"] = healthCheckResult{Status: st, Message: msg}
	} else {
		resp.Checks["ledger"] = healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}

	if h.sessionChecker != nil {
		st, msg := h.sessionChecker.CheckReady()
		resp.Checks["session_store"] = healthCheckResult{Status: st, Message: msg}
	}

	statuses := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		statuses = append(statuses, c.Status)
	}
	resp.Status = overallStatus(statuses...)

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics - Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail - итог fail.
// Если хотя бы одна degraded - итог degraded.
// Иначе - ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}

// pingTimeout - таймаут проверки зависимости через PingChecker.
const pingTimeout = 2 * time.Second

// PingChecker адаптирует функцию ping (например, RedisStore.Ping) к ReadinessChecker.
type PingChecker struct {
	ping func(ctx context.Context) error
}

// NewPingChecker создаёт ReadinessChecker поверх функции ping.
func NewPingChecker(ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{ping: ping}
}

// CheckReady выполняет ping с таймаутом.
func (c *PingChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := c.ping(ctx); err != nil {
		return statusFail, err.Error()
	}
	return statusOK, ""
}
