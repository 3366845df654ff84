// session.go - обработчики сессии: состояние, вход через IdP, callback, выход.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/bloodlink/internal/api/errors"
	"github.com/bigkaa/bloodlink/internal/identity"
)

// GetSession - состояние сессии, canister и кэша.
func (h *APIHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.platform.Status())
}

// BeginLogin - начало интерактивного входа.
// Возвращает URL авторизации IdP, на который клиент перенаправляет браузер.
func (h *APIHandler) BeginLogin(w http.ResponseWriter, _ *http.Request) {
	req, err := h.platform.BeginLogin(h.callbackURL)
	if err != nil {
		h.logger.Error("Ошибка начала входа", slog.String("error", err.Error()))
		apierrors.IDPUnavailable(w, "Не удалось начать вход")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// LoginCallback - возврат от IdP с кодом авторизации.
func (h *APIHandler) LoginCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := identity.Callback{
		State: q.Get("state"),
		Code:  q.Get("code"),
		Error: q.Get("error"),
	}
	if cb.State == "" {
		apierrors.ValidationError(w, "Не указан параметр state")
		return
	}

	if err := h.platform.Connect(r.Context(), cb); err != nil {
		h.writeServiceError(w, err)
		return
	}

	if h.postLoginRedirect != "" {
		http.Redirect(w, r, h.postLoginRedirect, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, h.platform.Status())
}

// Logout - завершение сессии и очистка кэша.
func (h *APIHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.platform.Disconnect(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications - уведомления о результатах операций, новые первыми.
func (h *APIHandler) ListNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newList(h.notifier.List()))
}
