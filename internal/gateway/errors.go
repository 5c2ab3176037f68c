package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a capability failure for retry and pause decisions.
type Category string

const (
	CategoryRateLimit   Category = "rate_limit"
	CategoryAuth        Category = "auth"
	CategoryNotFound    Category = "not_found"
	CategoryServerError Category = "server_error"
	CategoryUnknown     Category = "unknown"
)

// CapabilityError is a failed provider call, normalized so callers can
// decide on retries without knowing provider specifics.
type CapabilityError struct {
	Provider  string
	Operation string
	Category  Category
	Message   string
	Retryable bool
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Operation, e.Message, e.Category)
}

// AsCapabilityError unwraps err into a CapabilityError if one is present.
func AsCapabilityError(err error) (*CapabilityError, bool) {
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return capErr, true
	}
	return nil, false
}

func categoryForStatus(status int) (Category, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth, false
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case status == http.StatusNotFound:
		return CategoryNotFound, false
	case status >= 500:
		return CategoryServerError, true
	default:
		return CategoryUnknown, true
	}
}

func categoryForType(errType string) (Category, bool) {
	switch Category(errType) {
	case CategoryRateLimit:
		return CategoryRateLimit, true
	case CategoryAuth:
		return CategoryAuth, false
	case CategoryNotFound:
		return CategoryNotFound, false
	case CategoryServerError:
		return CategoryServerError, true
	default:
		return CategoryUnknown, true
	}
}
