// internal/utils/validator.go
package utils

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Metadata bounds for step metadata maps.
const (
	MaxMetadataKeys        = 32
	MaxMetadataKeyLength   = 64
	MaxMetadataValueLength = 1024
)

var (
	validate    *validator.Validate
	qrCodeRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.:]{0,127}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("qrcode", validateQRCode)
	validate.RegisterValidation("scalar_map", validateScalarMap)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

func validateQRCode(fl validator.FieldLevel) bool {
	return qrCodeRegex.MatchString(fl.Field().String())
}

func validateScalarMap(fl validator.FieldLevel) bool {
	m, ok := fl.Field().Interface().(map[string]interface{})
	if !ok {
		return false
	}
	return ValidateMetadata(m)
}

// ValidateMetadata reports whether m is a flat map of scalar values within size bounds.
func ValidateMetadata(m map[string]interface{}) bool {
	if len(m) > MaxMetadataKeys {
		return false
	}
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKeyLength {
			return false
		}
		switch val := v.(type) {
		case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		case string:
			if len(val) > MaxMetadataValueLength {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must be at least " + e.Param() + " characters"
	case "max":
		return e.Field() + " must be at most " + e.Param() + " characters"
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "qrcode":
		return "QR code must be 1-128 characters of letters, digits, '_', '-', '.' or ':'"
	case "scalar_map":
		return "Metadata must be a flat map of at most 32 scalar values"
	default:
		return e.Field() + " is invalid"
	}
}
