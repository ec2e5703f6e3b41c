package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Money хранит сумму в минимальных денежных единицах (пайсы, 1/100 рупии).
// В JSON сумма отображается десятичным числом с двумя знаками после точки.
type Money int64

// minorPerMajor: количество минимальных единиц в одной основной.
const minorPerMajor = 100

// MoneyFromMajor создаёт сумму из целого количества основных единиц.
func MoneyFromMajor(major int64) Money {
	return Money(major * minorPerMajor)
}

// Mul умножает цену за единицу на количество.
func (m Money) Mul(qty int32) Money {
	return m * Money(qty)
}

// Minor возвращает сумму в минимальных единицах.
func (m Money) Minor() int64 {
	return int64(m)
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/minorPerMajor, v%minorPerMajor)
}

// MarshalJSON отдаёт сумму числом вида 120.00.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON принимает как число, так и строку ("45.5", "45.50", 45).
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMoney разбирает десятичную запись суммы с не более чем двумя знаками дробной части.
func ParseMoney(raw string) (Money, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("parse money: empty value")
	}

	negative := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")

	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" || !onlyDigits(whole) || !onlyDigits(frac) {
		return 0, fmt.Errorf("parse money %q: invalid amount", raw)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("parse money %q: more than two fractional digits", raw)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", raw, err)
	}
	minor, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", raw, err)
	}

	value := Money(major*minorPerMajor + minor)
	if negative {
		value = -value
	}
	return value, nil
}

// onlyDigits не пропускает знаки: strconv.ParseInt принимает "+5" и "-5".
func onlyDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
