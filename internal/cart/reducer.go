// Package cart реализует корзину покупателя как чистый редьюсер
// (состояние, действие → новое состояние) и хранилище с внедрённой персистентностью.
package cart

import "github.com/vladislavdragonenkov/marketplace/internal/domain"

// Line описывает позицию корзины. UnitPrice кэшируется клиентом и носит справочный характер,
// сервер цену не использует.
type Line struct {
	ProductID    string       `json:"productId"`
	Name         string       `json:"name"`
	UnitPrice    domain.Money `json:"unitPrice"`
	Unit         string       `json:"unit"`
	Quantity     int32        `json:"quantity"`
	MaxQuantity  int32        `json:"maxQuantity"`
	ProducerName string       `json:"producerName"`
	IsOrganic    bool         `json:"isOrganic"`
	Image        string       `json:"image,omitempty"`
}

// State хранит набор позиций и производные значения. Total и ItemCount
// всегда пересчитываются из Lines и отдельно не хранятся.
type State struct {
	Lines     []Line       `json:"items"`
	Total     domain.Money `json:"total"`
	ItemCount int32        `json:"itemCount"`
}

// Action задаёт закрытое множество действий над корзиной.
type Action interface {
	isAction()
}

// Add добавляет товар; при повторном добавлении количество складывается и ограничивается MaxQuantity.
type Add struct {
	Line     Line
	Quantity int32
}

// Remove удаляет позицию; отсутствие позиции не ошибка.
type Remove struct {
	ProductID string
}

// SetQuantity задаёт количество; значение <= 0 равносильно Remove.
type SetQuantity struct {
	ProductID string
	Quantity  int32
}

// Clear очищает корзину.
type Clear struct{}

// Load заменяет позиции сохранённым набором с санитизацией.
type Load struct {
	Lines []Line
}

func (Add) isAction()         {}
func (Remove) isAction()      {}
func (SetQuantity) isAction() {}
func (Clear) isAction()       {}
func (Load) isAction()        {}

// Reduce применяет действие к состоянию и возвращает новое состояние.
// Исходное состояние не изменяется.
func Reduce(state State, action Action) State {
	lines := cloneLines(state.Lines)

	switch a := action.(type) {
	case Add:
		lines = add(lines, a.Line, a.Quantity)
	case Remove:
		lines = remove(lines, a.ProductID)
	case SetQuantity:
		lines = setQuantity(lines, a.ProductID, a.Quantity)
	case Clear:
		lines = nil
	case Load:
		lines = sanitize(a.Lines)
	}

	return withTotals(lines)
}

func add(lines []Line, item Line, qty int32) []Line {
	if item.ProductID == "" || item.MaxQuantity < 1 {
		return lines
	}
	if qty < 1 {
		qty = 1
	}

	for i := range lines {
		if lines[i].ProductID != item.ProductID {
			continue
		}
		// Потолок обновляется свежим значением остатка из каталога.
		lines[i].MaxQuantity = item.MaxQuantity
		lines[i].Quantity = clamp(lines[i].Quantity+qty, item.MaxQuantity)
		return lines
	}

	item.Quantity = clamp(qty, item.MaxQuantity)
	return append(lines, item)
}

func remove(lines []Line, productID string) []Line {
	out := lines[:0]
	for _, line := range lines {
		if line.ProductID != productID {
			out = append(out, line)
		}
	}
	return out
}

func setQuantity(lines []Line, productID string, qty int32) []Line {
	if qty <= 0 {
		return remove(lines, productID)
	}
	for i := range lines {
		if lines[i].ProductID == productID {
			lines[i].Quantity = clamp(qty, lines[i].MaxQuantity)
		}
	}
	return lines
}

// sanitize восстанавливает инварианты у загруженных данных:
// дубликаты сливаются, количество приводится к [1, MaxQuantity], мусор отбрасывается.
func sanitize(input []Line) []Line {
	var lines []Line
	for _, line := range input {
		if line.ProductID == "" || line.MaxQuantity < 1 || line.Quantity < 1 || line.UnitPrice < 0 {
			continue
		}
		qty := line.Quantity
		line.Quantity = 0
		lines = add(lines, line, qty)
	}
	return lines
}

func withTotals(lines []Line) State {
	state := State{Lines: lines}
	for _, line := range lines {
		state.Total += line.UnitPrice.Mul(line.Quantity)
		state.ItemCount += line.Quantity
	}
	return state
}

func clamp(qty, maxQty int32) int32 {
	if qty > maxQty {
		qty = maxQty
	}
	if qty < 1 {
		qty = 1
	}
	return qty
}

func (s State) clone() State {
	return withTotals(cloneLines(s.Lines))
}

func cloneLines(lines []Line) []Line {
	if len(lines) == 0 {
		return nil
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}
