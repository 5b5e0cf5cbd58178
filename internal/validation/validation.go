// Package validation provides field validators for decision requests and
// the request size middleware for the ingress API.
package validation

import (
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxIDLength bounds entity identifiers
const MaxIDLength = 256

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	countryRegex  = regexp.MustCompile(`^[A-Z]{2}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks for an ISO-4217 alphabetic code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidCountry checks for an ISO 3166-1 alpha-2 code
func IsValidCountry(code string) bool {
	return countryRegex.MatchString(code)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects every failure
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Currency checks a required ISO-4217 code
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter ISO-4217 code"}
		}
		return nil
	}
}

// Country checks an optional ISO 3166-1 alpha-2 code
func Country(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidCountry(value) {
			return &ValidationError{Field: field, Message: "must be a 2-letter ISO 3166 country code"}
		}
		return nil
	}
}

// IP checks an optional IPv4 or IPv6 address
func IP(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := netip.ParseAddr(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a valid IP address"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount is greater than zero
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// NotZeroTime checks that a timestamp was supplied
func NotZeroTime(field string, value time.Time) func() *ValidationError {
	return func() *ValidationError {
		if value.IsZero() {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}
