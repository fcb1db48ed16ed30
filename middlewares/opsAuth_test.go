package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newOpsRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware())
	r.GET("/ops/ping", OpsAuthMiddleware(), func(c *gin.Context) {
		cid, _ := appctx.GetString(c.Request.Context(), appctx.ContextKeyCorrelationId)
		c.String(http.StatusOK, cid)
	})
	return r
}

func TestOpsAuthMiddleware(t *testing.T) {
	t.Setenv("OPS_TOKEN", "s3cret")
	r := newOpsRouter()

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "guess", http.StatusUnauthorized},
		{"ops token", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
			if tt.token != "" {
				req.Header.Set("token", tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				require.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
			}
		})
	}
}

func TestOpsAuthMiddleware_NoTokenConfigured(t *testing.T) {
	t.Setenv("OPS_TOKEN", "")
	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	req.Header.Set("token", "anything")
	w := httptest.NewRecorder()
	newOpsRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCorrelationMiddleware(t *testing.T) {
	t.Setenv("OPS_TOKEN", "s3cret")
	r := newOpsRouter()

	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	req.Header.Set("token", "s3cret")
	req.Header.Set("x-correlation-id", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Header().Get("x-correlation-id"))
	require.Equal(t, "abc-123", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	generated := w.Header().Get("x-correlation-id")
	require.Len(t, generated, 36)
}
