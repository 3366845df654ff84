package model

import "time"

// PlatformStats - агрегированная статистика платформы.
// Не кэшируется, запрашивается у ledger при каждом обращении.
type PlatformStats struct {
	TotalDonations    uint64 `json:"total_donations"`
	TotalRequests     uint64 `json:"total_requests"`
	TotalDonors       uint64 `json:"total_donors"`
	VerifiedDonations uint64 `json:"verified_donations"`
}

// DonorProfile - профиль зарегистрированного донора.
type DonorProfile struct {
	Principal      string    `json:"principal"`
	Name           string    `json:"name"`
	BloodType      BloodType `json:"blood_type"`
	Location       string    `json:"location"`
	RegisteredAt   time.Time `json:"registered_at"`
	TotalDonations uint64    `json:"total_donations"`
}

// Certificate - сертификат донора (NFT), выпущенный на донацию.
type Certificate struct {
	TokenID    uint64    `json:"token_id"`
	Owner      string    `json:"owner"`
	DonationID string    `json:"donation_id"`
	BloodType  BloodType `json:"blood_type"`
	Amount     int64     `json:"amount"`
	Location   string    `json:"location"`
	IssuedAt   time.Time `json:"issued_at"`
}
