// donations.go - обработчики доноров, донаций, статистики и обновления кэша.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/bloodlink/internal/api/errors"
	"github.com/bigkaa/bloodlink/internal/domain/model"
)

type registerDonorRequest struct {
	Name      string          `json:"name"`
	BloodType model.BloodType `json:"blood_type"`
	Location  string          `json:"location"`
}

type recordDonationRequest struct {
	RecipientID *string         `json:"recipient_id"`
	BloodType   model.BloodType `json:"blood_type"`
	Amount      int64           `json:"amount"`
	Location    string          `json:"location"`
}

type recordedDonationResponse struct {
	DonationID         string  `json:"donation_id"`
	CertificateTokenID *uint64 `json:"certificate_token_id"`
}

// statsResponse - статистика платформы вместе с числом выпущенных сертификатов.
type statsResponse struct {
	model.PlatformStats
	TotalCertificates uint64 `json:"total_certificates"`
}

// RegisterDonor - регистрация текущего пользователя донором.
func (h *APIHandler) RegisterDonor(w http.ResponseWriter, r *http.Request) {
	var req registerDonorRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	if err := h.platform.RegisterDonor(r.Context(), req.Name, req.BloodType, req.Location); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// GetDonorProfile - профиль донора по principal.
func (h *APIHandler) GetDonorProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.platform.DonorProfile(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ListDonations - донации из кэша, опционально по участнику.
func (h *APIHandler) ListDonations(w http.ResponseWriter, r *http.Request) {
	donations := h.platform.DonationHistory(r.URL.Query().Get("participant"))
	writeJSON(w, http.StatusOK, newList(donations))
}

// RecordDonation - запись донации с выпуском сертификата.
func (h *APIHandler) RecordDonation(w http.ResponseWriter, r *http.Request) {
	var req recordDonationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	recorded, err := h.platform.RecordDonation(r.Context(), model.DonationDraft{
		RecipientID: req.RecipientID,
		BloodType:   req.BloodType,
		Amount:      req.Amount,
		Location:    req.Location,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordedDonationResponse{
		DonationID:         recorded.DonationID,
		CertificateTokenID: recorded.CertificateTokenID,
	})
}

// Refresh - принудительное обновление кэша из ledger.
func (h *APIHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.platform.Refresh(r.Context()); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.platform.Status().Cache)
}

// GetStats - статистика платформы из ledger.
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.platform.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	supply, err := h.platform.TotalSupply(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{PlatformStats: stats, TotalCertificates: supply})
}
