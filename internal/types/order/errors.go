package order

import "fmt"

const (
	CodeInvalidAmount   = "invalid_amount"
	CodeInvalidBuyer    = "invalid_buyer"
	CodeInvalidPackage  = "invalid_package"
	CodeInvalidProvider = "invalid_provider"
)

// ValidationError rejects order input before anything is persisted.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}
