// status.go - жизненные циклы донации и запроса крови.
//
// Донация: pending → completed | cancelled (оба перехода выполняет ledger).
// Запрос:  open → fulfilled (клиент, fulfillBloodRequest) | expired (ledger).
// Локальных переходов, кроме fulfilled, клиент не выполняет.
package model

import "fmt"

// DonationStatus - статус донации.
type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationCompleted DonationStatus = "completed"
	DonationCancelled DonationStatus = "cancelled"
)

// RequestStatus - статус запроса крови.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestExpired   RequestStatus = "expired"
)

// Инициатор перехода.
type Actor string

const (
	ActorClient Actor = "client"
	ActorLedger Actor = "ledger"
)

// donationTransitions - матрица допустимых переходов донации.
var donationTransitions = map[DonationStatus]map[DonationStatus]Actor{
	DonationPending:   {DonationCompleted: ActorLedger, DonationCancelled: ActorLedger},
	DonationCompleted: {},
	DonationCancelled: {},
}

// requestTransitions - матрица допустимых переходов запроса.
var requestTransitions = map[RequestStatus]map[RequestStatus]Actor{
	RequestOpen:      {RequestFulfilled: ActorClient, RequestExpired: ActorLedger},
	RequestFulfilled: {},
	RequestExpired:   {},
}

// TransitionError - ошибка недопустимого перехода статуса.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParseDonationStatus разбирает статус донации. ok=false для неизвестных значений.
func ParseDonationStatus(s string) (DonationStatus, bool) {
	st := DonationStatus(s)
	_, ok := donationTransitions[st]
	return st, ok
}

// ParseRequestStatus разбирает статус запроса. ok=false для неизвестных значений.
func ParseRequestStatus(s string) (RequestStatus, bool) {
	st := RequestStatus(s)
	_, ok := requestTransitions[st]
	return st, ok
}

// CanTransitionDonation проверяет переход донации для указанного инициатора.
func CanTransitionDonation(from, to DonationStatus, actor Actor) bool {
	a, ok := donationTransitions[from][to]
	return ok && a == actor
}

// CheckRequestTransition проверяет переход запроса крови для инициатора.
// Возвращает *TransitionError, если переход недопустим.
func CheckRequestTransition(from, to RequestStatus, actor Actor) error {
	a, ok := requestTransitions[from][to]
	if !ok {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	if a != actor {
		return &TransitionError{
			Code:    "FORBIDDEN_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s выполняет только %s", from, to, a),
		}
	}
	return nil
}
