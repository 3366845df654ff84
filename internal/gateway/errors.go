package gateway

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated - вызов без активной сессии (Handle отсутствует).
// HTTP-запрос к ledger в этом случае не выполняется.
var ErrNotAuthenticated = errors.New("не аутентифицирован")

// CallError - транспортная ошибка вызова canister: сеть, HTTP-статус, некорректный конверт.
// Отличается от Result с Err: тот означает отказ самого canister.
type CallError struct {
	Canister string
	Method   string
	// Status - HTTP-статус ответа (0, если ответа не было).
	Status int
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("вызов %s.%s: HTTP %d: %v", e.Canister, e.Method, e.Status, e.Err)
	}
	return fmt.Sprintf("вызов %s.%s: %v", e.Canister, e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// DecodeError - ответ canister не соответствует ожидаемой форме.
type DecodeError struct {
	// What - что декодировалось (donation, request, ...).
	What string
	// Index - позиция элемента в списке (-1 для одиночного значения).
	Index  int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("декодирование %s[%d]: %s", e.What, e.Index, e.Reason)
	}
	return fmt.Sprintf("декодирование %s: %s", e.What, e.Reason)
}
