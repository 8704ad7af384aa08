package domain

import "errors"

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrItemNotFound — склад не знает такой товар.
	ErrItemNotFound = errors.New("item not found")
	// ErrItemNotInOrder — попытка убрать товар, которого нет в заказе.
	ErrItemNotInOrder = errors.New("item is not in order")

	// ErrOrderAlreadyExists — запись с таким идентификатором уже существует.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrAlreadyPaid — заказ уже оплачен, изменения запрещены.
	ErrAlreadyPaid = errors.New("order is already paid")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")

	// ErrEmptyOrder — checkout пустого заказа.
	ErrEmptyOrder = errors.New("order is empty")
	// ErrOutOfStock — на складе не хватает товара.
	ErrOutOfStock = errors.New("not enough stock")
	// ErrInvalidQuantity — количество позиции должно быть положительным.
	ErrInvalidQuantity = errors.New("item quantity must be greater than zero")
	// Ошибка повторяющейся позиции в записи заказа.
	ErrDuplicateLine = errors.New("order contains duplicate item lines")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отрицательной стоимости заказа.
	ErrTotalCostNegative = errors.New("total_cost must be non-negative")
	// ErrUnsupportedField — поле нельзя обновить точечно.
	ErrUnsupportedField = errors.New("unsupported order field")

	// ErrRemoteUnavailable — сеть, таймаут, 5xx или открытый circuit breaker у внешнего сервиса.
	ErrRemoteUnavailable = errors.New("remote service unavailable")
	// ErrRemoteRejected — внешний сервис отклонил запрос по бизнес-причине.
	ErrRemoteRejected = errors.New("remote service rejected request")
	// ErrInsufficientFunds — платёжный сервис отказал в списании.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPersistence — запись в хранилище не удалась.
	ErrPersistence = errors.New("persistence failure")
	// ErrCompensation — компенсирующее действие само завершилось ошибкой.
	ErrCompensation = errors.New("compensation failure")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrCheckoutAttemptNotFound — попытка checkout отсутствует в журнале.
	ErrCheckoutAttemptNotFound = errors.New("checkout attempt not found")
	// ErrLockNotAcquired — не удалось взять блокировку заказа до отмены контекста.
	ErrLockNotAcquired = errors.New("order lock not acquired")
)

// ErrorKind — класс ошибки, по которому API выбирает статус ответа.
type ErrorKind string

const (
	KindUnknown             ErrorKind = "unknown"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindValidation          ErrorKind = "validation"
	KindRemoteUnavailable   ErrorKind = "remote_unavailable"
	KindRemoteRejected      ErrorKind = "remote_rejected"
	KindPersistenceFailure  ErrorKind = "persistence_failure"
	KindCompensationFailure ErrorKind = "compensation_failure"
)

// KindOf классифицирует ошибку по обёрнутым sentinel-ошибкам.
// Удалённые и инфраструктурные классы проверяются раньше бизнес-классов:
// отказ склада по остатку оборачивает и ErrRemoteRejected, и ErrOutOfStock.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCompensation):
		return KindCompensationFailure
	case errors.Is(err, ErrRemoteUnavailable):
		return KindRemoteUnavailable
	case errors.Is(err, ErrRemoteRejected):
		return KindRemoteRejected
	case errors.Is(err, ErrPersistence):
		return KindPersistenceFailure
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrItemNotInOrder),
		errors.Is(err, ErrCheckoutAttemptNotFound):
		return KindNotFound
	case errors.Is(err, ErrOrderAlreadyExists),
		errors.Is(err, ErrAlreadyPaid),
		errors.Is(err, ErrOrderVersionConflict),
		errors.Is(err, ErrLockNotAcquired):
		return KindConflict
	case errors.Is(err, ErrEmptyOrder),
		errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrUnsupportedField),
		errors.Is(err, ErrOrderIDRequired),
		errors.Is(err, ErrUserRequired):
		return KindValidation
	default:
		return KindUnknown
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
