package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/classbank/backend/docs"
	"github.com/classbank/backend/internal/database"
	mW "github.com/classbank/backend/internal/middleware"
	"github.com/classbank/backend/internal/scheduler"
	"github.com/classbank/backend/internal/services"
)

// @title Classroom Economy Backend API
// @version 1.0
// @description API for the classroom currency ledger, store checkout and pay requests
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("payroll.schedule", "PAYROLL_SCHEDULE")
	viper.BindEnv("payroll.classes", "PAYROLL_CLASSES")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Classroom Economy Backend API"
	docs.SwaggerInfo.Description = "API for the classroom currency ledger, store checkout and pay requests"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	events := services.NewRedisEventPublisher(redisClient)

	ledgerService := services.NewLedgerService(db)
	catalogService := services.NewCatalogService(db)
	purchaseService := services.NewPurchaseService(db, ledgerService, events)
	payRequestService := services.NewPayRequestService(db, ledgerService, catalogService, events)
	payrollService := services.NewPayrollService(db, ledgerService, catalogService)

	payrollScheduler := scheduler.NewScheduler(payrollService)
	payrollScheduler.Start()
	defer payrollScheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for store item images
	r.Handle("/static/item-images/*", http.StripPrefix("/static/item-images/",
		mW.StaticFileServer("./static/item-images")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// All endpoints require an authenticated caller
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Ledger endpoints
			r.Get("/ledger/balance", ledgerService.HandleGetBalance)
			r.Get("/ledger/entries", ledgerService.HandleListEntries)
			r.Get("/ledger/entries/{entryId}", ledgerService.HandleGetEntry)
			r.Post("/ledger/entries", ledgerService.HandleAppendEntry)

			// Store endpoints
			r.Post("/store/checkout", purchaseService.HandleCheckout)
			r.Get("/store/items/{itemId}", catalogService.HandleGetItem)

			// Pay request endpoints
			r.Post("/pay-requests", payRequestService.HandleSubmit)
			r.Get("/pay-requests", payRequestService.HandleList)
			r.Get("/pay-requests/{requestId}", payRequestService.HandleGet)
			r.Post("/pay-requests/{requestId}/approve", payRequestService.HandleApprove)
			r.Post("/pay-requests/{requestId}/pay", payRequestService.HandlePay)
			r.Post("/pay-requests/{requestId}/rebuke", payRequestService.HandleRebuke)
			r.Post("/pay-requests/{requestId}/deny", payRequestService.HandleDeny)

			// Payroll endpoints
			r.Post("/payroll/run", payrollService.HandleRunPayroll)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
