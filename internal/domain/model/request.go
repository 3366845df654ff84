package model

import "time"

// Urgency - срочность запроса крови.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid проверяет, что срочность из допустимого набора.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// BloodRequest - запрос крови от реципиента.
type BloodRequest struct {
	ID          string        `json:"id"`
	RecipientID string        `json:"recipient_id"`
	BloodType   BloodType     `json:"blood_type"`
	Amount      int64         `json:"amount"`
	Urgency     Urgency       `json:"urgency"`
	Location    string        `json:"location"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      RequestStatus `json:"status"`
	Description *string       `json:"description,omitempty"`
}

// RequestDraft - входные данные для создания запроса крови.
type RequestDraft struct {
	BloodType   BloodType
	Amount      int64
	Urgency     Urgency
	Location    string
	Description *string
}
