package utils

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtacn/keyagent/pkg/errors"
)

// defaultValidator holds the shared validator instance.
var defaultValidator *validator.Validate

var deviceNamePattern = regexp.MustCompile(`^[^|/\\]+$`)

func init() {
	defaultValidator = validator.New()
	// Device names travel inside the "|" separated pairing payload and in a URL path
	_ = defaultValidator.RegisterValidation("devicename", validateDeviceName)
}

// ValidateStruct validates a struct using the default validator.
// It returns an invalid_request AgentError listing every failing field.
func ValidateStruct(s interface{}) error {
	err := defaultValidator.Struct(s)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ErrInvalidRequest(err.Error())
	}
	details := make(map[string]string, len(validationErrors))
	keys := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		key := toSnakeCase(fe.Field())
		details[key] = formatValidationError(fe)
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, details[k]))
	}
	return errors.ErrInvalidRequest(strings.Join(parts, "; ")).WithMetadata("fields", details)
}

func validateDeviceName(fl validator.FieldLevel) bool {
	return deviceNamePattern.MatchString(fl.Field().String())
}

// formatValidationError creates a user-friendly error message for a validation error.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "hostname", "hostname_rfc1123":
		return "must be a valid hostname"
	case "devicename":
		return "must not contain '|', '/' or '\\'"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}

// toSnakeCase converts a string from CamelCase to snake_case.
func toSnakeCase(str string) string {
	var matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	var matchAllCap = regexp.MustCompile("([a-z0-9])([A-Z])")
	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}

// ValidateNotEmpty checks if a string is not empty.
func ValidateNotEmpty(s string) bool {
	return strings.TrimSpace(s) != ""
}
