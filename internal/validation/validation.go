// Package validation checks adapter requests and API input before they are
// turned into actions.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields such as descriptions.
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsAddress reports whether s is a 0x-prefixed hex account address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// SanitizeString trims s, strips null bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError is one failed check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation errors
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check is a deferred field check.
type Check func() *FieldError

// Validate runs every check and returns nil when all pass.
func Validate(checks ...Check) error {
	var errs Errors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Address checks that a non-empty field is an account address.
func Address(field, value string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) Check {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Amount checks that a non-empty field is a positive decimal such as "1.50".
func Amount(field, value string) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		dots := 0
		nonZero := false
		for i, c := range value {
			if c == '.' {
				dots++
				if dots > 1 || i == 0 || i == len(value)-1 {
					return &FieldError{Field: field, Message: "invalid amount format"}
				}
				continue
			}
			if c < '0' || c > '9' {
				return &FieldError{Field: field, Message: "invalid amount format"}
			}
			if c != '0' {
				nonZero = true
			}
		}
		if !nonZero {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
