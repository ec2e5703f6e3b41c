package pricing

import (
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// DeliveryRule вычисляет стоимость доставки по адресу. Правило чистое
// и не зависит от хранилища.
type DeliveryRule interface {
	Charge(city, pincode string) domain.Money
}

// Значения по умолчанию для локальной и дальней доставки.
var (
	DefaultLocalCities    = []string{"trichy", "tiruchirappalli"}
	DefaultLocalCharge    = domain.MoneyFromMajor(30)
	DefaultOutboundCharge = domain.MoneyFromMajor(50)
)

// LocalFlatRule задаёт двухуровневый тариф: город, содержащий одно из локальных названий
// (без учёта регистра), получает LocalCharge, остальные OutboundCharge.
type LocalFlatRule struct {
	LocalCities    []string
	LocalCharge    domain.Money
	OutboundCharge domain.Money
}

// NewLocalFlatRule создаёт правило; пустой список городов заменяется значением по умолчанию.
func NewLocalFlatRule(localCities []string, localCharge, outboundCharge domain.Money) LocalFlatRule {
	cities := make([]string, 0, len(localCities))
	for _, city := range localCities {
		city = strings.ToLower(strings.TrimSpace(city))
		if city != "" {
			cities = append(cities, city)
		}
	}
	if len(cities) == 0 {
		cities = append(cities, DefaultLocalCities...)
	}
	return LocalFlatRule{
		LocalCities:    cities,
		LocalCharge:    localCharge,
		OutboundCharge: outboundCharge,
	}
}

// DefaultDeliveryRule возвращает правило с тарифами 30.00 и 50.00.
func DefaultDeliveryRule() LocalFlatRule {
	return NewLocalFlatRule(DefaultLocalCities, DefaultLocalCharge, DefaultOutboundCharge)
}

// Charge возвращает стоимость доставки. pincode в текущем тарифе не участвует.
func (r LocalFlatRule) Charge(city, _ string) domain.Money {
	normalized := strings.ToLower(city)
	for _, local := range r.LocalCities {
		if strings.Contains(normalized, local) {
			return r.LocalCharge
		}
	}
	return r.OutboundCharge
}

var _ DeliveryRule = LocalFlatRule{}
