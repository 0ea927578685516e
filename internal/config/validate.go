package config

import (
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("apikey", func(fl validator.FieldLevel) bool {
		return IsValidAPIKey(fl.Field().String())
	}); err != nil {
		panic(err)
	}

	return v
}

// IsValidAPIKey reports whether key is 8 to 64 characters of ASCII letters,
// digits, '_' or '-'.
func IsValidAPIKey(key string) bool {
	if len(key) < 8 || len(key) > 64 {
		return false
	}

	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}

	return true
}
