package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// DeliveryDateLayout задаёт формат даты доставки в запросах (YYYY-MM-DD).
const DeliveryDateLayout = "2006-01-02"

// CustomerDetails содержит контактные данные покупателя и параметры доставки.
type CustomerDetails struct {
	ContactName   string `json:"contactName" validate:"required,max=255"`
	Email         string `json:"email" validate:"required,email,max=255"`
	Phone         string `json:"phone" validate:"required,max=20"`
	Address       string `json:"address" validate:"required"`
	City          string `json:"city" validate:"required,max=100"`
	Pincode       string `json:"pincode" validate:"required,max=10"`
	DeliveryDate  string `json:"deliveryDate" validate:"required,datetime=2006-01-02"`
	DeliveryNotes string `json:"deliveryNotes,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator возвращает общий экземпляр validator с JSON-именами полей в ошибках.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Normalize обрезает пробелы во всех полях.
func (d CustomerDetails) Normalize() CustomerDetails {
	d.ContactName = strings.TrimSpace(d.ContactName)
	d.Email = strings.TrimSpace(d.Email)
	d.Phone = strings.TrimSpace(d.Phone)
	d.Address = strings.TrimSpace(d.Address)
	d.City = strings.TrimSpace(d.City)
	d.Pincode = strings.TrimSpace(d.Pincode)
	d.DeliveryDate = strings.TrimSpace(d.DeliveryDate)
	d.DeliveryNotes = strings.TrimSpace(d.DeliveryNotes)
	return d
}

// Validate проверяет обязательные поля и формат даты доставки.
func (d CustomerDetails) Validate() error {
	if err := Validator().Struct(d); err != nil {
		return wrapValidationErrors(ErrCustomerDetailsInvalid, err)
	}
	return nil
}

// ValidateForCheckout дополнительно требует, чтобы дата доставки была строго позже today.
func (d CustomerDetails) ValidateForCheckout(today time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}
	date, err := d.ParsedDeliveryDate()
	if err != nil {
		return err
	}
	y, m, day := today.Date()
	startOfToday := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	if !date.After(startOfToday) {
		return ErrDeliveryDateInvalid
	}
	return nil
}

// ParsedDeliveryDate разбирает дату доставки.
func (d CustomerDetails) ParsedDeliveryDate() (time.Time, error) {
	date, err := time.Parse(DeliveryDateLayout, d.DeliveryDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: delivery date %q", ErrCustomerDetailsInvalid, d.DeliveryDate)
	}
	return date, nil
}

// FieldError описывает ошибку одного поля в понятном клиенту виде.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError содержит список нарушенных полей.
type ValidationError struct {
	Kind   error
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" ("+f.Rule+")")
	}
	return fmt.Sprintf("%v: %s", e.Kind, strings.Join(parts, ", "))
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// wrapValidationErrors превращает ошибки validator в ValidationError.
func wrapValidationErrors(kind error, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", kind, err)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		fields = append(fields, FieldError{Field: field, Rule: fe.Tag()})
	}
	return &ValidationError{Kind: kind, Fields: fields}
}

// ValidateStruct проверяет произвольную структуру с тегами validate.
func ValidateStruct(kind error, v any) error {
	if err := Validator().Struct(v); err != nil {
		return wrapValidationErrors(kind, err)
	}
	return nil
}
