package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// PubSubPushMessage is the envelope of a Pub/Sub push delivery.
type PubSubPushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func listHeartbeatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.ListHeartbeats(c.Request.Context(), config.GetDB())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load heartbeats"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"heartbeats": rows})
	}
}

func getHeartbeatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := models.TenantID(c.Param("tenant_id"))
		ctx := appctx.WithTenant(c.Request.Context(), string(tenantId))
		row, err := models.GetHeartbeat(ctx, config.GetDB(), tenantId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no heartbeat for tenant"})
				return
			}
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load heartbeat"})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

func listQuarantineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := models.TenantID(c.Param("tenant_id"))
		limit := 100
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		ctx := appctx.WithTenant(c.Request.Context(), string(tenantId))
		events, err := models.ListQuarantinedEvents(ctx, config.GetDB(), tenantId, limit)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load quarantined events"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantId, "events": events})
	}
}

func invalidateTenantConfigHandler(tc *workflow.TenantConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := models.TenantID(c.Param("tenant_id"))
		if err := tc.Invalidate(tenantId); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantId, "invalidated": true})
	}
}

// nudgePushHandler is the push-subscription variant of the nudge subscriber.
// Malformed deliveries are acked so Pub/Sub does not redeliver them forever.
func nudgePushHandler(consumer *workflow.Consumer) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "opsHandlers.go", "nudgePushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PubSubPushMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "opsHandlers.go", "nudgePushHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}
		var m config.NudgeMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "opsHandlers.go", "nudgePushHandler", "Unmarshal nudge message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		consumer.Nudge()
		c.Status(http.StatusNoContent)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			config.GetLogger().Error(c.Errors.String())
		}
	}
}
