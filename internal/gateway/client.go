// client.go - HTTP-транспорт вызовов canister через boundary node ledger.
//
// Протокол (JSON):
//   - update: POST /api/v1/canisters/{id}/call/{method}  {"args":[...]} → {"ok":…} | {"err":"…"}
//   - query:  POST /api/v1/canisters/{id}/query/{method} {"args":[...]} → {"reply":…}
//
// Заголовки аутентификации: Authorization: Bearer <access token>, X-Principal.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bloodlink/internal/identity"
)

// Prometheus-метрики вызовов ledger.
var (
	ledgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bl_ledger_calls_total",
		Help: "Количество вызовов canister по методу и исходу (ok, rejected, error).",
	}, []string{"canister", "method", "outcome"})
	ledgerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bl_ledger_call_duration_seconds",
		Help:    "Длительность вызовов canister.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Исходы вызова для метрик.
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// maxErrorBody - сколько байт тела ответа попадает в текст ошибки.
const maxErrorBody = 256

// Client - транспорт вызовов canister.
type Client struct {
	http       *resty.Client
	healthPath string
	logger     *slog.Logger
}

// NewClient создаёт транспорт для ledger по baseURL.
// timeout ограничивает каждый вызов целиком.
func NewClient(baseURL string, timeout time.Duration, healthPath string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bloodlink").
		SetRetryCount(0)

	return &Client{
		http:       httpClient,
		healthPath: healthPath,
		logger:     logger.With(slog.String("component", "ledger_client")),
	}
}

// callRequest - тело запроса вызова canister.
type callRequest struct {
	Args []any `json:"args"`
}

// envelope - конверт ответа ledger.
type envelope struct {
	OK    json.RawMessage `json:"ok"`
	Err   *string         `json:"err"`
	Reply json.RawMessage `json:"reply"`
}

// update выполняет изменяющий вызов и возвращает tagged-результат.
func (c *Client) update(ctx context.Context, h *identity.Handle, canister, method string, args ...any) (Result[json.RawMessage], error) {
	env, err := c.do(ctx, h, canister, "call", method, args)
	if err != nil {
		ledgerCallsTotal.WithLabelValues(canister, method, outcomeError).Inc()
		return Result[json.RawMessage]{}, err
	}

	if env.Err != nil {
		ledgerCallsTotal.WithLabelValues(canister, method, outcomeRejected).Inc()
		return Rejected[json.RawMessage](*env.Err), nil
	}
	if env.OK == nil {
		ledgerCallsTotal.WithLabelValues(canister, method, outcomeError).Inc()
		return Result[json.RawMessage]{}, &CallError{
			Canister: canister, Method: method,
			Err: errors.New("ответ не содержит ни ok, ни err"),
		}
	}

	ledgerCallsTotal.WithLabelValues(canister, method, outcomeOK).Inc()
	return Ok(env.OK), nil
}

// query выполняет запрос на чтение и возвращает reply.
// Отсутствующий reply трактуется как null.
func (c *Client) query(ctx context.Context, h *identity.Handle, canister, method string, args ...any) (json.RawMessage, error) {
	env, err := c.do(ctx, h, canister, "query", method, args)
	if err != nil {
		ledgerCallsTotal.WithLabelValues(canister, method, outcomeError).Inc()
		return nil, err
	}
	if env.Err != nil {
		ledgerCallsTotal.WithLabelValues(canister, method, outcomeRejected).Inc()
		return nil, &CallError{Canister: canister, Method: method, Err: errors.New(*env.Err)}
	}

	ledgerCallsTotal.WithLabelValues(canister, method, outcomeOK).Inc()
	return env.Reply, nil
}

// do отправляет вызов и разбирает конверт ответа.
func (c *Client) do(ctx context.Context, h *identity.Handle, canister, kind, method string, args []any) (*envelope, error) {
	if args == nil {
		args = []any{}
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(h.AccessToken).
		SetHeader("X-Principal", h.Principal).
		SetHeader("Content-Type", "application/json").
		SetPathParams(map[string]string{
			"canister": canister,
			"kind":     kind,
			"method":   method,
		}).
		SetBody(callRequest{Args: args}).
		Post("/api/v1/canisters/{canister}/{kind}/{method}")
	ledgerCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, &CallError{Canister: canister, Method: method, Err: err}
	}

	if !resp.IsSuccess() {
		body := resp.Body()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		c.logger.Debug("Ledger вернул ошибку",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode()),
			slog.String("body", string(body)),
		)
		return nil, &CallError{
			Canister: canister, Method: method, Status: resp.StatusCode(),
			Err: fmt.Errorf("неожиданный статус: %s", resp.Status()),
		}
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, &CallError{
			Canister: canister, Method: method, Status: resp.StatusCode(),
			Err: fmt.Errorf("некорректный конверт ответа: %w", err),
		}
	}
	return &env, nil
}

// Ping проверяет доступность ledger через health endpoint (без аутентификации).
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.healthPath)
	if err != nil {
		return fmt.Errorf("ledger недоступен: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ledger health: статус %d", resp.StatusCode())
	}
	return nil
}

// ReadinessChecker - проверка готовности ledger для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	client *Client
}

// NewReadinessChecker создаёт проверку готовности ledger.
func NewReadinessChecker(client *Client) *ReadinessChecker {
	return &ReadinessChecker{client: client}
}

// CheckReady проверяет доступность ledger.
func (r *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx); err != nil {
		return "fail", err.Error()
	}
	return "ok", "ledger доступен"
}
