package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Line — позиция заказа: товар и количество единиц.
type Line struct {
	ItemID   string
	Quantity int64
}

// Lines хранит позиции в порядке добавления. Checkout резервирует товары именно в этом порядке.
// В JSON сериализуется объектом {"item_id": qty} с сохранением порядка ключей.
type Lines []Line

// Quantity возвращает количество по товару или 0.
func (l Lines) Quantity(itemID string) int64 {
	for _, line := range l {
		if line.ItemID == itemID {
			return line.Quantity
		}
	}
	return 0
}

// Add изменяет количество на delta. Новая позиция встаёт в конец, нулевая удаляется.
func (l Lines) Add(itemID string, delta int64) Lines {
	for i := range l {
		if l[i].ItemID != itemID {
			continue
		}
		qty := l[i].Quantity + delta
		if qty <= 0 {
			out := make(Lines, 0, len(l)-1)
			out = append(out, l[:i]...)
			return append(out, l[i+1:]...)
		}
		out := l.Clone()
		out[i].Quantity = qty
		return out
	}
	if delta <= 0 {
		return l
	}
	return append(l.Clone(), Line{ItemID: itemID, Quantity: delta})
}

// Clone копирует позиции.
func (l Lines) Clone() Lines {
	out := make(Lines, len(l))
	copy(out, l)
	return out
}

// Map возвращает позиции в виде map для ответа API.
func (l Lines) Map() map[string]int64 {
	out := make(map[string]int64, len(l))
	for _, line := range l {
		out[line.ItemID] = line.Quantity
	}
	return out
}

// MarshalJSON пишет объект, ключи которого идут в порядке добавления позиций.
func (l Lines) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, line := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(line.ItemID)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", line.Quantity)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON читает объект токенами, чтобы не потерять порядок ключей.
func (l *Lines) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode items: %w", err)
	}
	if tok == nil {
		*l = Lines{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode items: expected object, got %v", tok)
	}

	out := Lines{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode items key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode items: unexpected key %v", keyTok)
		}
		var qty json.Number
		if err := dec.Decode(&qty); err != nil {
			return fmt.Errorf("decode quantity of %s: %w", key, err)
		}
		n, err := qty.Int64()
		if err != nil {
			return fmt.Errorf("decode quantity of %s: %w", key, err)
		}
		out = append(out, Line{ItemID: key, Quantity: n})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode items: %w", err)
	}

	*l = out
	return nil
}
