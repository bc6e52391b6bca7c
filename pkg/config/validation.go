package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against its struct tags, reporting every violation
// found rather than stopping at the first.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		msgs := make([]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed validation '%s'", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%d validation error(s): %v", len(msgs), msgs)
	}
	return nil
}
