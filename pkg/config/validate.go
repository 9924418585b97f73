package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a Config against its struct tags (see the `validate:"..."`
// tags on Config, CloudConfig, LoggingConfig, MetricsConfig) and returns a
// single combined error describing every violation found.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		var msg string
		for _, fe := range validationErrors {
			msg += fmt.Sprintf("\n  - %s: failed on %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration:%s", msg)
	}

	return nil
}
