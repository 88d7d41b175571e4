// Package validation wraps go-playground/validator with the custom tags used
// by geofence input, seed files and HTTP payloads.
package validation

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns the shared validator instance.
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New()

		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		validate.RegisterValidation("latitude", validateLatitude)
		validate.RegisterValidation("longitude", validateLongitude)
		validate.RegisterValidation("trip_status", validateTripStatus)
	})

	return validate
}

func validateLatitude(fl validator.FieldLevel) bool {
	lat := fl.Field().Float()
	return lat >= -90 && lat <= 90
}

func validateLongitude(fl validator.FieldLevel) bool {
	lon := fl.Field().Float()
	return lon >= -180 && lon <= 180
}

var validTripStatuses = map[string]bool{
	"scheduled":   true,
	"in_progress": true,
	"completed":   true,
	"cancelled":   true,
}

func validateTripStatus(fl validator.FieldLevel) bool {
	return validTripStatuses[fl.Field().String()]
}

// Struct validates s and converts failures to Errors.
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	if parsed := Parse(err); len(parsed) > 0 {
		return parsed
	}
	return err
}

// Var validates a single value against tag.
func Var(field any, tag string) error {
	return Get().Var(field, tag)
}

// FieldError is a single failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is returned by Struct when one or more rules fail.
type Errors []FieldError

func (ve Errors) Error() string {
	var sb strings.Builder
	for i, e := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.Field)
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Parse converts validator output to Errors. Other errors yield nil.
func Parse(err error) Errors {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}

	result := make(Errors, 0, len(ve))
	for _, e := range ve {
		result = append(result, FieldError{
			Field:   e.Namespace(),
			Message: message(e),
		})
	}
	return result
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "latitude":
		return "must be a valid latitude (-90 to 90)"
	case "longitude":
		return "must be a valid longitude (-180 to 180)"
	case "trip_status":
		return "must be a valid trip status"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	default:
		return "is invalid"
	}
}
