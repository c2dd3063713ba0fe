package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
)

// validate is the singleton validator instance
var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidateStruct validates a struct using go-playground/validator and
// returns field errors as *apperrors.ValidationErrors.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := apperrors.NewValidationErrors()
	for _, fe := range fieldErrs {
		errs.Add(fe.Field(), message(fe))
	}
	return errs
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "uuid", "uuid4":
		return "Must be a valid UUID"
	case "min":
		return fmt.Sprintf("Must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("Must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("Must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("Must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("Must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("Failed on the '%s' rule", fe.Tag())
	}
}

// DecodeAndValidate decodes a JSON request body and validates it.
func DecodeAndValidate[T any](r *http.Request) (*T, error) {
	var req T

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, apperrors.NewBadRequestError(err, "Invalid request body")
	}

	if err := ValidateStruct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseIntQueryParam parses an integer query parameter. A missing parameter
// yields defaultValue; a malformed one is a validation error.
func ParseIntQueryParam(r *http.Request, key string, defaultValue int64) (int64, error) {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || value < 0 {
		errs := apperrors.NewValidationErrors()
		errs.Add(key, "Must be a non-negative integer")
		return 0, errs
	}
	return value, nil
}

// ParseTimeQueryParam parses an RFC3339 timestamp query parameter. It
// returns nil when the parameter is absent.
func ParseTimeQueryParam(r *http.Request, key string) (*time.Time, error) {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return nil, nil
	}

	value, err := time.Parse(time.RFC3339Nano, valueStr)
	if err != nil {
		errs := apperrors.NewValidationErrors()
		errs.Add(key, "Must be an RFC3339 timestamp")
		return nil, errs
	}
	return &value, nil
}
