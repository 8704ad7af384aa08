package domain

import (
	"fmt"
	"time"
)

// Поля записи заказа, которые допускают точечные обновления через репозиторий.
const (
	FieldItems            = "items"
	FieldPaid             = "paid"
	FieldTotalCost        = "total_cost"
	FieldCheckoutAttempts = "checkout_attempts"
)

// Item — ответ склада по товару: цена за единицу и текущий остаток.
type Item struct {
	Price int64 `json:"price"`
	Stock int64 `json:"stock"`
}

// Order агрегирует корзину пользователя: позиции, стоимость и признак оплаты.
type Order struct {
	ID        string
	UserID    string
	Items     Lines
	Paid      bool
	TotalCost int64
	// CheckoutAttempts считает попытки checkout, прошедшие валидацию.
	CheckoutAttempts int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewOrder создаёт пустой неоплаченный заказ.
func NewOrder(id, userID string, now time.Time) Order {
	return Order{
		ID:        id,
		UserID:    userID,
		Items:     Lines{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Quantity возвращает количество единиц товара в заказе (0, если позиции нет).
func (o *Order) Quantity(itemID string) int64 {
	return o.Items.Quantity(itemID)
}

// AddItem добавляет одну единицу товара по цене, которую склад вернул в момент вызова.
func (o *Order) AddItem(itemID string, unitPrice, availableStock int64) error {
	if o.Paid {
		return ErrAlreadyPaid
	}
	if o.Items.Quantity(itemID)+1 > availableStock {
		return ErrOutOfStock
	}
	o.Items = o.Items.Add(itemID, 1)
	o.TotalCost += unitPrice
	return nil
}

// RemoveItem убирает одну единицу товара; позиция удаляется, когда количество доходит до нуля.
func (o *Order) RemoveItem(itemID string, unitPrice int64) error {
	if o.Paid {
		return ErrAlreadyPaid
	}
	if o.Items.Quantity(itemID) <= 0 {
		return ErrItemNotInOrder
	}
	o.Items = o.Items.Add(itemID, -1)
	o.TotalCost -= unitPrice
	return nil
}

// MarkPaid переводит заказ в оплаченный. Повторный вызов отклоняется, а не игнорируется.
func (o *Order) MarkPaid() error {
	if o.Paid {
		return ErrAlreadyPaid
	}
	o.Paid = true
	return nil
}

// ValidateForCheckout проверяет, что заказ можно отправить в saga.
func (o *Order) ValidateForCheckout() error {
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	if o.Paid {
		return ErrAlreadyPaid
	}
	return nil
}

// ValidateInvariants проверяет базовые инварианты загруженной записи и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.TotalCost < 0 {
		errs = append(errs, ErrTotalCostNegative)
	}

	seen := make(map[string]struct{}, len(o.Items))
	for _, line := range o.Items {
		if line.Quantity <= 0 {
			errs = append(errs, ErrInvalidQuantity)
		}
		if _, dup := seen[line.ItemID]; dup {
			errs = append(errs, ErrDuplicateLine)
		}
		seen[line.ItemID] = struct{}{}
	}

	return errs
}

// Clone возвращает копию заказа, не разделяющую слайс позиций с оригиналом.
func (o Order) Clone() Order {
	o.Items = o.Items.Clone()
	return o
}

// ApplyField записывает одно поле заказа. Используется хранилищами для SetField.
func (o *Order) ApplyField(field string, value any) error {
	switch field {
	case FieldItems:
		lines, ok := value.(Lines)
		if !ok {
			return fmt.Errorf("%w: %s expects Lines, got %T", ErrUnsupportedField, field, value)
		}
		o.Items = lines.Clone()
	case FieldPaid:
		paid, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects bool, got %T", ErrUnsupportedField, field, value)
		}
		o.Paid = paid
	case FieldTotalCost, FieldCheckoutAttempts:
		n, err := toInt64(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsupportedField, field, err)
		}
		if field == FieldTotalCost {
			o.TotalCost = n
		} else {
			o.CheckoutAttempts = n
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedField, field)
	}
	return nil
}

// IncrementField прибавляет delta к числовому полю и возвращает новое значение.
func (o *Order) IncrementField(field string, delta int64) (int64, error) {
	switch field {
	case FieldTotalCost:
		o.TotalCost += delta
		return o.TotalCost, nil
	case FieldCheckoutAttempts:
		o.CheckoutAttempts += delta
		return o.CheckoutAttempts, nil
	default:
		return 0, fmt.Errorf("%w: %s is not numeric", ErrUnsupportedField, field)
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}
