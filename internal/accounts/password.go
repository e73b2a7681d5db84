package accounts

import (
	"strings"

	"breakline/internal/domain"
)

const (
	minPasswordLength = 6
	passwordSymbols   = "!@#$%^&*"
)

// ValidatePassword accepts passwords of at least six characters drawn from
// letters, digits and !@#$%^&*, with at least one digit and one symbol.
func ValidatePassword(pw string) error {
	invalid := domain.ValidationError{
		Field:  "password",
		Reason: "password must be at least 6 characters long, include a number and a special character",
	}
	if len(pw) < minPasswordLength {
		return invalid
	}
	var digit, symbol bool
	for _, c := range pw {
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case strings.ContainsRune(passwordSymbols, c):
			symbol = true
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return invalid
		}
	}
	if !digit || !symbol {
		return invalid
	}
	return nil
}
