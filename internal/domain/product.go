package domain

import "time"

// ProductStatus задаёт статус товара в каталоге.
type ProductStatus string

const (
	ProductStatusActive     ProductStatus = "active"
	ProductStatusInactive   ProductStatus = "inactive"
	ProductStatusOutOfStock ProductStatus = "out_of_stock"
)

// Product описывает товар производителя. Каталогом владеет внешний сервис,
// здесь меняется только AvailableQuantity.
type Product struct {
	ID                string
	ProducerID        string
	ProducerName      string
	Name              string
	Unit              string
	Images            []string
	IsOrganic         bool
	UnitPrice         Money
	AvailableQuantity int32
	Status            ProductStatus
	UpdatedAt         time.Time
}

// Purchasable сообщает, можно ли оформить заказ на товар.
func (p Product) Purchasable() bool {
	return p.Status == ProductStatusActive
}

// PrimaryImage возвращает первое изображение товара или пустую строку.
func (p Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}
