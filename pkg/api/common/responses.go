package common

// ErrorResponse represents a standard error response used across the admin API
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ValidationErrorResponse represents a validation failure with field-specific
// details. Each field maps to the list of reasons it was rejected.
type ValidationErrorResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// NewValidationError builds the standard 422 envelope.
func NewValidationError(errors map[string][]string) ValidationErrorResponse {
	return ValidationErrorResponse{
		Message: "Validation failed",
		Errors:  errors,
	}
}
