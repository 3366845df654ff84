package gateway

// Result - результат изменяющего вызова canister: либо значение (ok),
// либо сообщение об отказе (err). Транспортные ошибки сюда не попадают.
type Result[T any] struct {
	value T
	err   string
	ok    bool
}

// Ok создаёт успешный результат.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Rejected создаёт результат с отказом canister.
func Rejected[T any](msg string) Result[T] {
	return Result[T]{err: msg}
}

// IsOk сообщает, успешен ли вызов.
func (r Result[T]) IsOk() bool { return r.ok }

// Value возвращает значение успешного вызова (нулевое при отказе).
func (r Result[T]) Value() T { return r.value }

// Message возвращает сообщение отказа (пусто при успехе).
func (r Result[T]) Message() string { return r.err }
