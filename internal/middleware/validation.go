package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

// Validator validates decoded request bodies against their struct tags.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator that reports fields by their JSON names
// and knows the license_duration and license_key tags.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("license_duration", isLicenseDuration)
	v.RegisterValidation("license_key", isLicenseKey)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validate: v}
}

// ValidateStruct returns a 400 APIError listing every failed field.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return licenseErrors.InvalidRequestWithError(err)
	}

	fields := make([]licenseErrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, licenseErrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return licenseErrors.ErrValidation(fields...)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "license_duration":
		labels := make([]string, 0, 3)
		for _, d := range license.Durations() {
			labels = append(labels, string(d))
		}
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(labels, ", "))
	case "license_key":
		return fmt.Sprintf("%s must look like XXXX-XXXX-XXXX-XXXX", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

func isLicenseDuration(fl validator.FieldLevel) bool {
	_, err := license.ParseDuration(fl.Field().String())
	return err == nil
}

func isLicenseKey(fl validator.FieldLevel) bool {
	return license.ValidKeyFormat(license.NormalizeKey(fl.Field().String()))
}

// QueryParamValidator validates query parameters
type QueryParamValidator struct {
	logger       *slog.Logger
	errorHandler *licenseErrors.ErrorHandler
}

// NewQueryParamValidator creates a new query parameter validator
func NewQueryParamValidator(logger *slog.Logger, errorHandler *licenseErrors.ErrorHandler) *QueryParamValidator {
	return &QueryParamValidator{
		logger:       logger.With(slog.String("component", "query_validator")),
		errorHandler: errorHandler,
	}
}

// ValidateInt validates an integer query parameter. On failure the problem
// response has already been written and ok is false.
func (v *QueryParamValidator) ValidateInt(w http.ResponseWriter, r *http.Request, param string, min, max, defaultValue int) (int, bool) {
	value := r.URL.Query().Get(param)
	if value == "" {
		return defaultValue, true
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		v.errorHandler.HandleError(w, r, licenseErrors.ErrValidation(licenseErrors.ValidationError{
			Field:   param,
			Message: fmt.Sprintf("%s must be a valid integer", param),
		}))
		return 0, false
	}

	if n < min || n > max {
		v.errorHandler.HandleError(w, r, licenseErrors.ErrValidation(licenseErrors.ValidationError{
			Field:   param,
			Message: fmt.Sprintf("%s must be between %d and %d", param, min, max),
		}))
		return 0, false
	}

	return n, true
}
