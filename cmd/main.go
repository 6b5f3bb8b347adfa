/**
 * @description
 * This is the main entry point for the pin-ledger-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, external service clients, message brokers, repositories,
 * the core application service, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for transfer rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/membershipclient, pkg/directoryclient: Clients for sibling portal services.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/certportal/pin-ledger-service/internal/api"
	"github.com/certportal/pin-ledger-service/internal/app"
	"github.com/certportal/pin-ledger-service/internal/config"
	"github.com/certportal/pin-ledger-service/internal/store"
	"github.com/certportal/pin-ledger-service/pkg/directoryclient"
	"github.com/certportal/pin-ledger-service/pkg/membershipclient"
	rmrabbit "github.com/certportal/pin-ledger-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting pin-ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the data access layer and make sure the ledger tables exist.
	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema bootstrap failed\" err=%v", err)
	}
	cancelSchema()
	log.Println("level=info component=bootstrap msg=\"schema ready\"")

	// Initialize the RabbitMQ producer to publish ledger events. A broker
	// outage at startup degrades to a no-op publisher instead of blocking pin
	// movements.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the membership service. Missing configuration
	// should not prevent the ledger from booting; the broker/client
	// association check will degrade with a logged warning.
	var membership app.MembershipChecker
	if strings.TrimSpace(cfg.MembershipServiceURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"membership service not configured; association checks disabled\" env=MEMBERSHIP_SERVICE_URL")
	} else {
		membership = membershipclient.NewClient(cfg.MembershipServiceURL, cfg.MembershipServiceAPIKey)
	}

	// Initialize the directory client used to resolve display names in the
	// approval and history views.
	var directory app.DirectoryResolver
	if strings.TrimSpace(cfg.DirectoryServiceURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"directory service not configured; views fall back to bare account ids\" env=DIRECTORY_SERVICE_URL")
	} else {
		directory = directoryclient.NewClient(
			cfg.DirectoryServiceURL,
			cfg.DirectoryServiceAPIKey,
			time.Duration(cfg.DirectoryCacheTTLSeconds)*time.Second,
		)
	}

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(repository, membership, directory, producer)

	// Distributed transfer rate limiting over Redis, when configured.
	if cfg.TransferRateLimitPerMin > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; transfer rate limiting disabled\" env=REDIS_URL")
		} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; transfer rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; transfer rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				ledgerService.SetTransferRateLimiter(
					app.NewRedisTransferRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
					cfg.TransferRateLimitPerMin,
				)
				log.Println("level=info component=bootstrap msg=\"redis connected; transfer rate limiting enabled\"")
			}
		}
	}

	// Consume account provisioning events so accounts show up in the views
	// before their first pin movement. Lazy account creation remains the
	// fallback, so a consumer outage is not fatal.
	accountConsumer := ledgerService.AccountEventConsumer()
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; account pre-provisioning disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			rmrabbit.RoutingKeyAccountProvisioned: accountConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.EventsExchange, cfg.AccountEventQueue, bindings); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"account consumer start failed; account pre-provisioning disabled\" err=%v", err)
		}
	}

	// Schedule the nightly ledger audit.
	auditLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "ledger_audit")
	auditor := app.NewLedgerAuditor(repository, auditLogger)
	scheduler := app.NewAuditScheduler(auditor, auditLogger, cfg.LedgerAuditSchedule)
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and router.
	ledgerHandlers := api.NewLedgerHandlers(ledgerService)
	router := chi.NewRouter()
	router.Mount("/ledger", api.LedgerRoutes(ledgerHandlers, cfg.PortalJWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
