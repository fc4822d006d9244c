package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the body of every non-2xx API response. Details maps a
// request field path such as "legB.kind" to what is wrong with it.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// ValidationHelper checks request DTOs against their validate tags and reports
// fields by their JSON names.
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)
	return &ValidationHelper{validator: v}
}

func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return fld.Name
	}
	return name
}

// FieldErrors flattens validator errors into field path -> message. It
// returns nil when err carries no field errors.
func FieldErrors(err error) map[string]string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}

	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fieldPath(fe)] = describeFieldError(fe)
	}
	return details
}

// fieldPath drops the root struct name from the namespace, so
// "CreateDealRequest.legB.kind" becomes "legB.kind".
func fieldPath(fe validator.FieldError) string {
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		return rest
	}
	return fe.Field()
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	}
	return fmt.Sprintf("failed the %q check", fe.Tag())
}

// SendErrorResponse writes an ErrorResponse. Field details are included only
// when validationErr came from ValidateStruct.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	SendJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Details: FieldErrors(validationErr),
	})
}

// SendJSON writes v with the given status code
func SendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
