package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("screentype", validateScreenType); err != nil {
		panic(fmt.Sprintf("register screentype validation: %v", err))
	}
}

// Validate checks a message or command against its struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateScreenType(fl validator.FieldLevel) bool {
	return ScreenType(fl.Field().String()).Valid()
}
