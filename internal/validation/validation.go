// Package validation provides input validation helpers for the riskguard API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxActionLength bounds action names accepted over the API.
const MaxActionLength = 128

// subjectIDRegex accepts opaque account identifiers: uuids, numeric ids,
// "worker:123" style namespaced ids and e-mail like handles.
var subjectIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSubjectID reports whether id is an acceptable subject identifier.
func IsValidSubjectID(id string) bool {
	return subjectIDRegex.MatchString(id)
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

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// ValidSubject checks that a field holds a well-formed subject id
func ValidSubject(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // binding:"required" covers presence
		}
		if !IsValidSubjectID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits or _.:@-"}
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

// SubjectParamMiddleware rejects malformed subject ids in the named URL
// parameter before any store is touched.
func SubjectParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidSubjectID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_subject",
				"message": "subject id must be 1-128 characters of letters, digits or _.:@-",
			})
			return
		}
		c.Next()
	}
}
