// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"net/netip"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ошибки разбора суммы.
var (
	ErrAmountFormat      = errors.New("amount is not a decimal number")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrAmountPrecision   = errors.New("amount must have at most two decimal places")
)

// IsValidID проверяет, что строка является UUID.
func IsValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ParseAmount разбирает денежную сумму: положительное число с не более чем двумя знаками после точки.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrAmountFormat
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrAmountNotPositive
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, ErrAmountPrecision
	}
	return d, nil
}

// IsValidCurrency проверяет трёхбуквенный код валюты ISO 4217.
func IsValidCurrency(code string) bool {
	return isUpperLetters(code, 3)
}

// IsValidCountry проверяет двухбуквенный код страны ISO 3166-1.
func IsValidCountry(code string) bool {
	return isUpperLetters(code, 2)
}

func isUpperLetters(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// NormalizeIP возвращает каноническую запись IP-адреса (с портом или без) либо пустую строку.
func NormalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String()
	}
	return ""
}
