package service

import (
	"time"

	"github.com/bigkaa/bloodlink/internal/domain/model"
)

// Демонстрационный набор: подставляется, когда ledger недоступен и кэш пуст.
func demoDonations() []model.Donation {
	recipient := "demo-recipient-1"
	txRef := "0x1234...abcd"
	tokenID := uint64(1)
	return []model.Donation{{
		ID:                 "demo-1",
		DonorID:            "demo-donor-1",
		RecipientID:        &recipient,
		BloodType:          model.BloodOPos,
		Amount:             450,
		Timestamp:          time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Location:           "Lagos University Teaching Hospital",
		Status:             model.DonationCompleted,
		TransactionRef:     &txRef,
		Verified:           true,
		CertificateTokenID: &tokenID,
	}}
}

func demoRequests(now time.Time) []model.BloodRequest {
	description := "Urgent need for surgery patient"
	return []model.BloodRequest{{
		ID:          "demo-req-1",
		RecipientID: "demo-recipient-2",
		BloodType:   model.BloodBPos,
		Amount:      2,
		Urgency:     model.UrgencyCritical,
		Location:    "National Hospital Abuja",
		Timestamp:   now,
		Status:      model.RequestOpen,
		Description: &description,
	}}
}
