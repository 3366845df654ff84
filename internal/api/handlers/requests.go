// requests.go - обработчики запросов крови.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/bloodlink/internal/api/errors"
	"github.com/bigkaa/bloodlink/internal/domain/model"
)

type createRequestRequest struct {
	BloodType   model.BloodType `json:"blood_type"`
	Amount      int64           `json:"amount"`
	Urgency     model.Urgency   `json:"urgency"`
	Location    string          `json:"location"`
	Description *string         `json:"description"`
}

type fulfillRequestRequest struct {
	DonorID string `json:"donor_id"`
}

// ListRequests - запросы крови из кэша: открытые (по умолчанию) или все.
func (h *APIHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("status") {
	case "", "open":
		writeJSON(w, http.StatusOK, newList(h.platform.OpenRequests()))
	case "all":
		writeJSON(w, http.StatusOK, newList(h.platform.AllRequests()))
	default:
		apierrors.ValidationError(w, "Параметр status: допустимые значения open, all")
	}
}

// CreateRequest - создание запроса крови.
func (h *APIHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	err := h.platform.CreateRequest(r.Context(), model.RequestDraft{
		BloodType:   req.BloodType,
		Amount:      req.Amount,
		Urgency:     req.Urgency,
		Location:    req.Location,
		Description: req.Description,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// FulfillRequest - закрытие запроса крови.
// Донор по умолчанию - текущий пользователь.
func (h *APIHandler) FulfillRequest(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequestRequest
	if err := decodeJSON(r, &req, true); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if req.DonorID == "" {
		if p := h.platform.Status().Principal; p != nil {
			req.DonorID = *p
		}
	}

	confirmation, err := h.platform.FulfillRequest(r.Context(), chi.URLParam(r, "id"), req.DonorID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmationResponse{Message: confirmation})
}
