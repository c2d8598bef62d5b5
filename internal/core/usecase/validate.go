package usecase

import (
	"github.com/go-playground/validator/v10"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(operation string, v any) error {
	if err := validate.Struct(v); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, operation, err)
	}
	return nil
}
