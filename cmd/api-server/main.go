package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/klinikhub/clinic-core-api/api/swagger"
	"github.com/klinikhub/clinic-core-api/internal/handler"
	"github.com/klinikhub/clinic-core-api/internal/middleware"
	"github.com/klinikhub/clinic-core-api/internal/models"
	"github.com/klinikhub/clinic-core-api/internal/repository"
	"github.com/klinikhub/clinic-core-api/internal/service"
	"github.com/klinikhub/clinic-core-api/pkg/cache"
	"github.com/klinikhub/clinic-core-api/pkg/config"
	"github.com/klinikhub/clinic-core-api/pkg/database"
	"github.com/klinikhub/clinic-core-api/pkg/logger"
	corsmiddleware "github.com/klinikhub/clinic-core-api/pkg/middleware/cors"
	reqidmiddleware "github.com/klinikhub/clinic-core-api/pkg/middleware/requestid"
)

// @title Clinic Core API
// @version 0.1.0
// @description Multi-tenant scheduling and telemedicine credit core
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The core keeps serving without Redis: slot listings fall back to
		// the database and the sweep lock degrades to single-instance mode.
		logr.Sugar().Warnw("redis unavailable, running without cache", "error", err)
		redisClient = nil
	}

	validate := validator.New()

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	windowRepo := repository.NewWorkingWindowRepository(db)
	apptRepo := repository.NewAppointmentRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	creditRepo := repository.NewCreditRepository(db)
	sessionRepo := repository.NewTelemedicineRepository(db, creditRepo)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	notifSvc := service.NewNotificationService(cfg.Notifications.Workers, cfg.Notifications.MaxRetries, cfg.Notifications.RetryDelay, logr)
	authSvc := service.NewAuthService(userRepo, cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.Issuer, validate, logr)
	availabilitySvc := service.NewAvailabilityService(windowRepo, apptRepo, cacheRepo, cfg.Booking.SlotCacheTTL, metricsSvc, logr)
	windowSvc := service.NewWorkingWindowService(windowRepo, validate, logr)
	telemedSvc := service.NewTelemedicineService(sessionRepo, creditRepo, apptRepo, cacheRepo, notifSvc, validate, metricsSvc, logr, service.TelemedicineServiceConfig{
		DefaultServerURL: cfg.Telemedicine.DefaultServerURL,
		RoomNameAttempts: cfg.Telemedicine.RoomNameAttempts,
		SweepLockTTL:     cfg.Metering.LockTTL,
	})
	apptSvc := service.NewAppointmentService(apptRepo, catalogRepo, availabilitySvc, telemedSvc, validate, metricsSvc, logr)

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	apptHandler := handler.NewAppointmentHandler(apptSvc, availabilitySvc)
	telemedHandler := handler.NewTelemedicineHandler(telemedSvc)
	windowHandler := handler.NewWorkingWindowHandler(windowSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	authed.GET("/auth/me", authHandler.Me)

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleProfessional, models.RoleReceptionist)
	adminOrProfessional := middleware.RequireRoles(models.RoleAdmin, models.RoleProfessional)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)

	authed.GET("/availability/slots", staff, apptHandler.Slots)

	authed.GET("/appointments", staff, apptHandler.List)
	authed.GET("/appointments/export", staff, apptHandler.ExportAgenda)
	authed.GET("/appointments/:id", staff, apptHandler.Get)
	authed.POST("/appointments", staff, apptHandler.Create)
	authed.PUT("/appointments/:id", staff, apptHandler.Update)
	authed.PATCH("/appointments/:id/status", staff, apptHandler.UpdateStatus)
	authed.DELETE("/appointments/:id", adminOrProfessional, apptHandler.Delete)

	authed.GET("/professionals/:id/working-hours", staff, windowHandler.List)
	authed.PUT("/professionals/:id/working-hours", adminOrProfessional, windowHandler.Upsert)
	authed.POST("/professionals/:id/working-hours/defaults", adminOrProfessional, windowHandler.SeedDefaults)

	authed.POST("/telemedicine/sessions", adminOrProfessional, telemedHandler.Create)
	authed.GET("/telemedicine/sessions/:id", staff, telemedHandler.Get)
	authed.PATCH("/telemedicine/sessions/:id/status", adminOrProfessional, telemedHandler.UpdateStatus)
	authed.POST("/telemedicine/sessions/:id/end", adminOrProfessional, telemedHandler.End)
	authed.GET("/telemedicine/credits", staff, telemedHandler.Balance)
	authed.POST("/internal/metering/run", adminOnly, telemedHandler.RunMetering)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifSvc.Start(ctx)
	defer notifSvc.Stop()

	if cfg.Metering.Enabled {
		go runMeteringLoop(ctx, telemedSvc, cfg.Metering.Interval, logr)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// runMeteringLoop triggers periodic sweeps until the context ends. Sweep
// errors are logged and the loop keeps going.
func runMeteringLoop(ctx context.Context, svc *service.TelemedicineService, interval time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logr.Sugar().Infow("metering loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logr.Info("metering loop stopped")
			return
		case <-ticker.C:
			if _, err := svc.RunMeteringSweep(ctx); err != nil {
				logr.Sugar().Errorw("metering sweep failed", "error", err)
			}
		}
	}
}
