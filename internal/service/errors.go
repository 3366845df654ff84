// errors.go - ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated - операция требует активной сессии.
	ErrUnauthenticated = errors.New("требуется активная сессия")
	// ErrValidation - ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrNotFound - ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
)

// RejectedError - canister отклонил операцию (tagged err).
// Отличается от транспортной ошибки *gateway.CallError.
type RejectedError struct {
	Operation string
	Message   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: отклонено ledger: %s", e.Operation, e.Message)
}

// validationError оборачивает ErrValidation с пояснением.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
