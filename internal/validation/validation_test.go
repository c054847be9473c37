package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidSubjectID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"worker-7", true},
		{"3f2b9c1e-8a4d-4c2e-9b1a-7d6e5f4a3b2c", true},
		{"client:1042", true},
		{"ops.analyst@crew", true},
		{"42", true},
		{strings.Repeat("a", 128), true},

		// Invalid cases
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"slash/inside", false},
		{strings.Repeat("a", 129), false},
		{"null\x00byte", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidSubjectID(tc.id), "IsValidSubjectID(%q)", tc.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		ValidSubject("subject", "bad id"),
		MaxLength("action", strings.Repeat("x", MaxActionLength+1), MaxActionLength),
		MaxLength("action", "login", MaxActionLength),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "subject", errs[0].Field)
	assert.Equal(t, "action", errs[1].Field)

	assert.Empty(t, Validate(ValidSubject("subject", "w1"), MaxLength("action", "login", MaxActionLength)))
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestValidSubject_EmptyIsLeftToBinding(t *testing.T) {
	assert.Nil(t, ValidSubject("subject", "")())
}

func TestSubjectParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/subjects/:id", SubjectParamMiddleware("id"), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subjects/worker-7", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subjects/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_subject")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
