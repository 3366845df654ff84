// handler.go - основной обработчик API bloodlink.
// Объединяет health, сессию и бизнес-обработчики поверх service.Platform.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/bloodlink/internal/api/errors"
	"github.com/bigkaa/bloodlink/internal/domain/model"
	"github.com/bigkaa/bloodlink/internal/gateway"
	"github.com/bigkaa/bloodlink/internal/identity"
	"github.com/bigkaa/bloodlink/internal/service"
)

// maxBodySize - максимальный размер тела JSON-запроса.
const maxBodySize = 1 << 20

// APIHandler - основной обработчик API bloodlink.
type APIHandler struct {
	health   *HealthHandler
	platform *service.Platform
	notifier *service.Notifier

	// callbackURL - redirect URI, передаваемый IdP при начале входа
	callbackURL string
	// postLoginRedirect - куда перенаправить браузер после входа (пусто - JSON)
	postLoginRedirect string

	logger *slog.Logger
}

// Options - параметры APIHandler, не относящиеся к зависимостям.
type Options struct {
	CallbackURL       string
	PostLoginRedirect string
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	platform *service.Platform,
	notifier *service.Notifier,
	opts Options,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:            health,
		platform:          platform,
		notifier:          notifier,
		callbackURL:       opts.CallbackURL,
		postLoginRedirect: opts.PostLoginRedirect,
		logger:            logger.With(slog.String("component", "api_handler")),
	}
}

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive - liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady - readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics - Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// listResponse - ответ со списком элементов.
type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

// confirmationResponse - текстовое подтверждение ledger.
type confirmationResponse struct {
	Message string `json:"message"`
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса в dst.
// Пустое тело допустимо, если allowEmpty: dst остаётся нулевым.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("пустое тело запроса")
		}
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	return nil
}

// writeServiceError преобразует ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		transitionErr *model.TransitionError
		rejectedErr   *service.RejectedError
		callErr       *gateway.CallError
		decodeErr     *gateway.DecodeError
	)

	switch {
	case errors.Is(err, service.ErrUnauthenticated), errors.Is(err, gateway.ErrNotAuthenticated):
		apierrors.Unauthorized(w, "Требуется вход")
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.As(err, &transitionErr):
		apierrors.InvalidTransition(w, transitionErr.Message)
	case errors.As(err, &rejectedErr):
		apierrors.Rejected(w, rejectedErr.Message)
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, identity.ErrUnknownState):
		apierrors.ValidationError(w, "Неизвестный или просроченный вход, начните заново")
	case errors.Is(err, identity.ErrLoginDenied):
		apierrors.Unauthorized(w, "Вход отменён")
	case errors.Is(err, identity.ErrLoginFailed):
		apierrors.IDPUnavailable(w, "Не удалось выполнить вход")
	case errors.As(err, &callErr), errors.As(err, &decodeErr):
		apierrors.LedgerUnavailable(w, "Ledger недоступен")
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
