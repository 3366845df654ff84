// Пакет model - доменные модели bloodlink.
// Записи donations/requests зеркалируют данные ledger после нормализации.
package model

import "time"

// BloodType - группа крови с резус-фактором.
type BloodType string

const (
	BloodAPos  BloodType = "A+"
	BloodANeg  BloodType = "A-"
	BloodBPos  BloodType = "B+"
	BloodBNeg  BloodType = "B-"
	BloodABPos BloodType = "AB+"
	BloodABNeg BloodType = "AB-"
	BloodOPos  BloodType = "O+"
	BloodONeg  BloodType = "O-"
)

// bloodTypes - допустимые группы крови.
var bloodTypes = map[BloodType]bool{
	BloodAPos: true, BloodANeg: true, BloodBPos: true, BloodBNeg: true,
	BloodABPos: true, BloodABNeg: true, BloodOPos: true, BloodONeg: true,
}

// Valid проверяет, что группа крови из допустимого набора.
func (b BloodType) Valid() bool {
	return bloodTypes[b]
}

// Donation - запись о донации крови.
// Status, Verified и CertificateTokenID заполняются ledger, не клиентом.
type Donation struct {
	// ID - непрозрачный идентификатор (уникальность гарантирует ledger)
	ID string `json:"id"`
	// DonorID - principal донора
	DonorID string `json:"donor_id"`
	// RecipientID - principal реципиента (опционально)
	RecipientID *string `json:"recipient_id,omitempty"`
	// BloodType - группа крови
	BloodType BloodType `json:"blood_type"`
	// Amount - объём в миллилитрах
	Amount int64 `json:"amount"`
	// Timestamp - время донации
	Timestamp time.Time `json:"timestamp"`
	// Location - место донации
	Location string `json:"location"`
	// Status - статус: pending, completed, cancelled
	Status DonationStatus `json:"status"`
	// TransactionRef - ссылка на транзакцию в ledger (опционально)
	TransactionRef *string `json:"transaction_ref,omitempty"`
	// Verified - донация подтверждена ledger
	Verified bool `json:"verified"`
	// CertificateTokenID - ID выпущенного сертификата (опционально)
	CertificateTokenID *uint64 `json:"certificate_token_id,omitempty"`
}

// InvolvesParticipant сообщает, является ли participant донором или реципиентом.
func (d *Donation) InvolvesParticipant(participant string) bool {
	if d.DonorID == participant {
		return true
	}
	return d.RecipientID != nil && *d.RecipientID == participant
}

// DonationDraft - входные данные для записи новой донации.
type DonationDraft struct {
	// RecipientID - principal реципиента (опционально)
	RecipientID *string
	BloodType   BloodType
	Amount      int64
	Location    string
}
