package usecase

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"job-dispatcher/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// newValidator returns a validator that reports fields by their json names
// and knows the notblank tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// validationError converts validator output into a domain.ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "notblank", "required":
			fields = append(fields, fmt.Sprintf("%s must not be blank", fe.Field()))
		case "gte":
			fields = append(fields, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		case "gt":
			fields = append(fields, fmt.Sprintf("%s must be > %s", fe.Field(), fe.Param()))
		default:
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return domain.NewValidationError(fields...)
}
