package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"membership-portal/config"
	"membership-portal/handlers"
	"membership-portal/middleware"
	"membership-portal/repository"
	"membership-portal/services"
	"membership-portal/utils"
	"membership-portal/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration:", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Connect(ctx, cfg.DatabaseURL, false)
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	members := repository.NewMemberRepository(db)
	referralRepo := repository.NewReferralRepository(db)
	memberships := repository.NewMembershipRepository(db)
	reminders := repository.NewReminderLogRepository(db)
	locks := repository.NewJobLockRepository(db)

	// --- Lifecycle events: Kafka when brokers are configured, log otherwise ---
	var sink workers.EventSink = workers.LogSink{}
	if len(cfg.KafkaBrokers) > 0 {
		writer, err := utils.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal("failed to create kafka writer:", err)
		}
		defer writer.Close()
		sink = writer
	}
	relay := workers.NewEventRelay(sink, 1024, time.Second)
	// The relay outlives the HTTP server so events from in-flight requests still go out.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		relay.Run(relayCtx)
		close(relayDone)
	}()

	codeService := services.NewReferralCodeService(members, referralRepo, cfg.Referral)
	referralService := services.NewReferralService(codeService, referralRepo, memberships, relay, cfg.Referral)

	// --- Jobs ---
	var mailer services.Mailer = services.LogMailer{}
	if cfg.EmailServiceURL != "" {
		mailer = services.NewEmailServiceClient(cfg.EmailServiceURL, cfg.EmailServiceToken)
	} else {
		log.Println("⚠️  EMAIL_SERVICE_URL not set, trial digests are logged only")
	}

	coordinator := services.NewJobLockCoordinator(locks, cfg.JobLockTTL, cfg.JobHolder)
	digestJob := services.NewTrialReminderDigestJob(coordinator, memberships, reminders, mailer, cfg.OpsEmail, cfg.AppURL)
	if cfg.R2.Enabled() {
		archive, err := utils.NewR2Archive(ctx, cfg.R2.AccountID, cfg.R2.AccessKeyID, cfg.R2.AccessKeySecret, cfg.R2.Bucket)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		digestJob.Archive = archive
	}
	registry := services.NewJobRegistry(
		services.NewExpireMembershipsJob(coordinator, memberships),
		digestJob,
		services.NewPayableRefreshJob(coordinator, referralService),
	)
	if _, err := services.StartScheduler(ctx, registry, services.DefaultSchedules()); err != nil {
		log.Fatal("failed to start scheduler:", err)
	}

	if cfg.ProfileSyncURL != "" {
		workers.NewMemberSyncWorker(members, cfg.ProfileSyncURL, cfg.ProfileSyncPath, cfg.ServiceToken, cfg.ProfileSyncInterval).Start(ctx)
	} else {
		log.Println("⚠️  SYNC_SERVICE_URL not set, member profiles are not mirrored")
	}

	app := fiber.New()

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	handlers.SetupReferralRoutes(app, codeService, referralService)
	handlers.SetupJobRoutes(app, registry)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ Scheduler running jobs: %v", registry.Names())
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	stopRelay()
	<-relayDone
}
