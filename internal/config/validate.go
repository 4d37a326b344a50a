// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key rather than the Go field name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks constraints that depend on more than one key, such as
// transport.host being required for SSH. It runs after command-line
// overrides are applied, so an incomplete file on disk is not an error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fieldErrors := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		fieldErrors = append(fieldErrors, errors.New(formatFieldError(fe)))
	}
	return &InvalidConfigError{FieldErrors: fieldErrors}
}

func formatFieldError(e validator.FieldError) string {
	// Namespace is "Config.transport.host"; drop the root type.
	_, field, _ := strings.Cut(e.Namespace(), ".")

	switch e.Tag() {
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, strings.Replace(e.Param(), "Kind ", "kind is ", 1))
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
