package middlewares

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OpsAuthMiddleware guards the ops surface with the "token" header. The token
// matches OPS_TOKEN, or is a live key "OpsToken:<token>" in Redis issued by
// the admin console.
func OpsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Request.Header.Get("token"))
		if token == "" || !opsTokenValid(c.Request.Context(), token) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func opsTokenValid(ctx context.Context, token string) bool {
	if want := strings.TrimSpace(os.Getenv("OPS_TOKEN")); want != "" {
		if subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1 {
			return true
		}
	}
	rdb := config.GetRedisDB()
	if rdb == nil {
		return false
	}
	n, err := rdb.Exists(ctx, "OpsToken:"+token).Result()
	return err == nil && n > 0
}

// CorrelationMiddleware attaches x-correlation-id (or a fresh one) to the
// request context and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(appctx.Set(c.Request.Context(), appctx.ContextKeyCorrelationId, cid))
		c.Header("x-correlation-id", cid)
		c.Next()
	}
}
