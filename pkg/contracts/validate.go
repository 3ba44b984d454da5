package contracts

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

// PhoneRegexp is the strict E.164 shape accepted everywhere a phone appears.
var PhoneRegexp = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance with the e164 custom rule
// registered. Safe for concurrent use.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("e164_strict", func(fl validator.FieldLevel) bool {
			return PhoneRegexp.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidatePhone reports whether s is a strict E.164 phone number.
func ValidatePhone(s string) bool {
	return PhoneRegexp.MatchString(s)
}

// Validate checks the command envelope's structural invariants.
func (c *CommandEnvelope) Validate() error {
	if err := Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid command envelope: %w", err)
	}
	return nil
}

// Validate checks the event envelope's structural invariants.
func (e *EventEnvelope) Validate() error {
	if err := Validator().Struct(e); err != nil {
		return fmt.Errorf("invalid event envelope: %w", err)
	}
	return nil
}

// Validate checks the executor command's structural invariants, including
// that authorizedByCore is literally true.
func (c *ExecutorCommand) Validate() error {
	if err := Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid executor command: %w", err)
	}
	return nil
}
