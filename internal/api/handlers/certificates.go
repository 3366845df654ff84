// certificates.go - обработчики сертификатов донора (NFT).
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/bloodlink/internal/api/errors"
)

type transferRequest struct {
	To string `json:"to"`
}

// ListCertificates - сертификаты текущего пользователя.
func (h *APIHandler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.platform.Certificates(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(certs))
}

// TransferCertificate - передача сертификата другому principal.
func (h *APIHandler) TransferCertificate(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "tokenId"), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "Некорректный tokenId")
		return
	}

	var req transferRequest
	if err := decodeJSON(r, &req, false); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	confirmation, err := h.platform.TransferCertificate(r.Context(), tokenID, req.To)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmationResponse{Message: confirmation})
}
