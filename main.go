package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"wallet-custody-service/handlers"
	"wallet-custody-service/middleware"
	"wallet-custody-service/models"
	"wallet-custody-service/services"
	"wallet-custody-service/utils"
	"wallet-custody-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/network"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // signing payloads are small
	})

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.CustodyOrganization{},
		&models.ApiKeyCredential{},
		&models.SigningSession{},
		&models.RecoveryAttempt{},
		&models.Trade{},
		&models.Reward{},
		&models.Referral{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	kvStore, err := utils.NewR2KVStore()
	if err != nil {
		log.Fatal("failed to initialize R2 credential store:", err)
	}
	kmsEnvelope, err := utils.NewKMSEnvelope()
	if err != nil {
		log.Fatal("failed to initialize KMS envelope:", err)
	}

	// --- CONFIGURE Custodian ---
	custodianURL := os.Getenv("CUSTODIAN_BASE_URL")
	if custodianURL == "" {
		log.Fatal("CUSTODIAN_BASE_URL environment variable not set")
	}
	parentOrgID := os.Getenv("CUSTODIAN_PARENT_ORG_ID")
	if parentOrgID == "" {
		log.Fatal("CUSTODIAN_PARENT_ORG_ID environment variable not set")
	}
	serviceKey := os.Getenv("CUSTODIAN_SERVICE_PRIVATE_KEY")
	if serviceKey == "" {
		log.Fatal("CUSTODIAN_SERVICE_PRIVATE_KEY environment variable not set")
	}
	parentStamper, err := services.NewSecureStamper(serviceKey)
	if err != nil {
		log.Fatal("failed to load custodian service key:", err)
	}
	custodian := services.NewCustodianClient(custodianURL, parentOrgID, parentStamper)
	// --- END CONFIG ---

	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN environment variable not set")
	}

	networkPassphrase := network.PublicNetworkPassphrase
	horizonURL := "https://horizon.stellar.org"
	if os.Getenv("STELLAR_NETWORK") == "testnet" {
		networkPassphrase = network.TestNetworkPassphrase
		horizonURL = "https://horizon-testnet.stellar.org"
	}
	if url := os.Getenv("HORIZON_URL"); url != "" {
		horizonURL = url
	}
	horizon := &horizonclient.Client{HorizonURL: horizonURL, HTTP: utils.HTTPClient}

	vault := services.NewVaultService(kvStore)
	sessions := services.NewSessionService(db, kmsEnvelope, networkPassphrase)
	recovery := services.NewRecoveryService(db, custodian, vault)
	registration := services.NewRegistrationService(db, custodian, sessions, botToken)
	fees := services.NewFeeEngine(db, horizon)
	mediator := services.NewMediatorService(db, custodian, sessions, fees, networkPassphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler := workers.NewActivityReconcileWorker(db, custodian)
	go reconciler.Start(ctx)

	services.StartExpirySweeps(sessions, recovery)

	// ✅ Setup routes — enforced Gateway auth everywhere
	handlers.SetupAuthRoutes(app, registration, recovery, sessions)
	handlers.SetupSigningRoutes(app, mediator)
	handlers.SetupHistoryRoutes(app, db)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Activity reconcile worker running")
	log.Println("✅ Expiry sweeps running (every 5m)")
	log.Printf("✅ Stellar network: %s", networkPassphrase)
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
