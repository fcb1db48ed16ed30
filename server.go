package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/middlewares"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"bitbucket.org/mmdatafocus/pos_reconciler/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func workerId() string {
	if v := strings.TrimSpace(os.Getenv("RECONCILER_WORKER_ID")); v != "" {
		return v
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "reconciler"
	}
	return host + "-" + uuid.NewString()[:8]
}

func main() {
	port := config.HttpPort()
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	settings := config.LoadConsumerSettings()
	tenantConfig := &workflow.TenantConfig{}
	// The consumer is built before the database is up so routes can hold it;
	// its DB handle is filled in once connected.
	consumer := workflow.NewConsumer(nil, logger, workerId(), settings, nil, nil)

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup health check.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	if origins := config.OpsAllowedOrigins(); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = []string{}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger())
	r.Use(gin.Recovery())

	r.POST("/pubsub/push", nudgePushHandler(consumer))
	ops := r.Group("/ops", middlewares.OpsAuthMiddleware())
	ops.GET("/heartbeats", listHeartbeatsHandler())
	ops.GET("/heartbeats/:tenant_id", getHeartbeatHandler())
	ops.GET("/quarantine/:tenant_id", listQuarantineHandler())
	ops.POST("/tenants/:tenant_id/config/invalidate", invalidateTenantConfigHandler(tenantConfig))
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	if settings.LeaseBackend == "redis" || os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can hold DDL locks; run it as a separate job when needed.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if err := utils.InitIdNode(consumer.WorkerID); err != nil {
		logger.WithFields(logrus.Fields{"field": "idgen"}).Fatal(err.Error())
	}

	var leaser workflow.TenantLeaser = &workflow.DBLeaser{DB: db}
	if settings.LeaseBackend == "redis" && config.GetRedisLock() != nil {
		leaser = &workflow.RedisLeaser{Locker: config.GetRedisLock()}
	}
	consumer.DB = db
	consumer.Leaser = leaser
	consumer.Pipeline = workflow.NewPipeline(db, logger, settings, tenantConfig)
	consumer.Reporter = &workflow.Reporter{DB: db, Logger: logger}

	consumerCtx, cancelConsumer := context.WithCancel(sigCtx)
	defer cancelConsumer()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(consumerCtx)
	}()

	if config.NudgeSubscriptionName() != "" && config.NudgeTopicName() != "" {
		// Client setup retries until it succeeds or shutdown starts.
		go func() {
			if err := RunNudgeSubscriber(consumerCtx, logger, consumer); err != nil {
				config.LogError(logger, "server.go", "main", "Starting nudge subscriber", nil, err)
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"worker_id":     consumer.WorkerID,
		"lease_backend": settings.LeaseBackend,
		"workers":       settings.Workers,
	}).Info("reconciler started on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop taking tenants first; an in-flight event finishes or rolls back.
	cancelConsumer()
	<-consumerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
