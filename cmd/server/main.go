package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/solwatch/rules-engine/internal/auth"
	"github.com/solwatch/rules-engine/internal/config"
	"github.com/solwatch/rules-engine/internal/database"
	"github.com/solwatch/rules-engine/internal/executor"
	"github.com/solwatch/rules-engine/internal/oracle"
	"github.com/solwatch/rules-engine/internal/rules"
	"github.com/solwatch/rules-engine/internal/scheduler"
	"github.com/solwatch/rules-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}

// main wires the rule engine and API server together and runs until
// interrupted, with graceful shutdown of both
func main() {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Collaborators are selected once here, never swapped inside the engine
	var priceOracle oracle.PriceOracle
	switch cfg.OracleMode {
	case "simulated":
		priceOracle = oracle.NewSimulated()
	default:
		priceOracle = oracle.NewCoinGecko(cfg.OracleBaseURL, cfg.RequestTimeout())
	}

	var tradeExecutor executor.TradeExecutor
	switch cfg.ExecutorMode {
	case "drift":
		tradeExecutor = executor.NewDrift(os.Getenv("DRIFT_TRADER_URL"), 30*time.Second)
	default:
		tradeExecutor = executor.NewSimulated()
	}

	zlog.Info().
		Str("oracle", cfg.OracleMode).
		Str("executor", cfg.ExecutorMode).
		Dur("check_interval", cfg.CheckInterval()).
		Msg("starting rule engine")

	ruleScheduler := scheduler.New(rules.NewDatabase(db), priceOracle, tradeExecutor, cfg.CheckInterval(), cfg.RequestTimeout())
	if err := ruleScheduler.RestoreFromStore(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to restore schedules from store")
	}

	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	rulesService := rules.NewService(db, priceOracle, ruleScheduler, cfg.RequestTimeout())
	rulesHandlers := rules.NewGinHandlers(rulesService)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg.JWTSecret, authHandlers, rulesHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop scheduling before closing the HTTP surface so in-flight ticks
	// commit cleanly
	ruleScheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// Rule management requires a JWT; token issuance and price lookups are public
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	rulesHandlers *rules.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Rule management routes
		rulesGroup := v1.Group("/rules")
		rulesGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			rulesGroup.POST("", rulesHandlers.CreateRuleHandler())
			rulesGroup.GET("", rulesHandlers.ListRulesHandler())
			rulesGroup.GET("/:rule_id", rulesHandlers.GetRuleHandler())
			rulesGroup.DELETE("/:rule_id", rulesHandlers.DeleteRuleHandler())
			rulesGroup.POST("/:rule_id/toggle", rulesHandlers.ToggleRuleHandler())
			rulesGroup.GET("/:rule_id/logs", rulesHandlers.GetRuleLogsHandler())
			rulesGroup.GET("/:rule_id/trades", rulesHandlers.GetRuleTradesHandler())
		}

		// Price lookups
		prices := v1.Group("/prices")
		{
			prices.GET("/:market", rulesHandlers.MarketPriceHandler())
		}
	}
}
