package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Validator is implemented by configuration structs that check their own validate tags.
type Validator interface {
	Validate() error
}

// Validate validates the config and logs a line per invalid field.
func Validate(config Validator) error {
	err := config.Validate()
	LogValidationErrors(err)
	return err
}

// LogValidationErrors logs one ConfigError line per field that failed validation. Errors of any
// other kind are logged as they are.
func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		log.Errorf("ConfigError: %s", err)
		return
	}
	for _, fieldErr := range validationErrors {
		fieldName := stripPrefix(fieldErr.Namespace())
		switch fieldErr.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s %s", fieldName, fieldErr.Value(), fieldErr.Tag(), fieldErr.Param())
		}
	}
}

// stripPrefix removes the struct name from a namespace like Configuration.Home.
func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
