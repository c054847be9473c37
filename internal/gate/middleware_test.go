package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func guardedRouter(f *fixture) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(f.gate, MiddlewareConfig{}))
	ok := func(c *gin.Context) {
		_, evaluated := c.Get(ContextKeyDecision)
		c.JSON(http.StatusOK, gin.H{"evaluated": evaluated})
	}
	r.POST("/api/v1/withdrawals", ok)
	r.GET("/api/v1/shifts/:id", ok)
	return r
}

func do(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_PassesUnguardedRoutes(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := do(guardedRouter(f), http.MethodGet, "/api/v1/shifts/42", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"evaluated": false}`, w.Body.String())
}

func TestMiddleware_RequiresSubjectOnSensitiveRoute(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := do(guardedRouter(f), http.MethodPost, "/api/v1/withdrawals", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_AllowsLowRiskSubject(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w20", 0)

	w := do(guardedRouter(f), http.MethodPost, "/api/v1/withdrawals", map[string]string{HeaderSubject: "w20"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"evaluated": true}`, w.Body.String())
}

func TestMiddleware_BlockHidesReasons(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w21", 85)

	w := do(guardedRouter(f), http.MethodPost, "/api/v1/withdrawals", map[string]string{HeaderSubject: "w21"})
	require.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "action_not_permitted", body["error"])
	assert.Equal(t, "action not permitted, contact support", body["message"])
	assert.NotContains(t, w.Body.String(), ReasonCriticalRisk)
	assert.Len(t, body, 2)
}

func TestMiddleware_StepUp(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w22", 60)

	w := do(guardedRouter(f), http.MethodPost, "/api/v1/withdrawals", map[string]string{HeaderSubject: "w22"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "verification_required")
	assert.Contains(t, w.Body.String(), "additional verification required")
}

func TestMiddleware_TrackedActionOnUnguardedRoute(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.putProfile("w23", 60)
	r := guardedRouter(f)

	// A tracked action is evaluated even off the sensitive route list, and
	// a high-risk subject on a non-sensitive action is allowed.
	w := do(r, http.MethodGet, "/api/v1/shifts/42", map[string]string{
		HeaderSubject: "w23",
		HeaderAction:  "shift_application",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"evaluated": true}`, w.Body.String())
}
