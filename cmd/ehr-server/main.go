package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/phicore/internal/config"
	"github.com/ehr/phicore/internal/domain/clinical"
	"github.com/ehr/phicore/internal/domain/consent"
	"github.com/ehr/phicore/internal/domain/identity"
	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
	"github.com/ehr/phicore/internal/platform/middleware"
	"github.com/ehr/phicore/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "EHR API server with field-level PHI encryption and consent enforcement",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(phiCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EHR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newLogger returns a JSON logger, or a console logger in development.
func newLogger(env, level string) zerolog.Logger {
	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// bootstrap loads and validates configuration and opens the database pool.
func bootstrap(ctx context.Context) (*config.Config, zerolog.Logger, *pgxpool.Pool, error) {
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		return nil, logger, nil, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, logger, nil, fmt.Errorf("invalid config: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
	if err != nil {
		return nil, logger, nil, err
	}
	return cfg, logger, pool, nil
}

// phiStack is the encryption machinery shared by the server and the
// backfill command.
type phiStack struct {
	encryption *hipaa.EncryptionService
	schema     *hipaa.Schema
	hook       *hipaa.Hook
}

func newPHIStack(cfg *config.Config, logger zerolog.Logger, metrics telemetry.BusinessMetrics) (*phiStack, error) {
	encSvc, err := hipaa.NewEncryptionService(cfg.PHIMasterKey, cfg.PHIActiveKeyID, logger)
	if err != nil {
		return nil, err
	}
	schema, err := hipaa.NewSchema(identity.PatientPHI, clinical.NotePHI)
	if err != nil {
		return nil, fmt.Errorf("build PHI schema: %w", err)
	}
	return &phiStack{
		encryption: encSvc,
		schema:     schema,
		hook:       hipaa.NewHook(schema, encSvc.Encryptor(), logger, metrics),
	}, nil
}

func newMetrics(cfg *config.Config) (*telemetry.Provider, telemetry.BusinessMetrics, error) {
	if !cfg.MetricsEnabled {
		return nil, telemetry.Nop(), nil
	}
	provider, err := telemetry.NewProvider()
	if err != nil {
		return nil, nil, err
	}
	metrics, err := telemetry.NewBusinessMetrics(provider.MeterProvider(), "ehr")
	if err != nil {
		return nil, nil, err
	}
	return provider, metrics, nil
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, pool, err := bootstrap(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer pool.Close()

	if cfg.IsDev() {
		logger.Warn().Msg("============================================================")
		logger.Warn().Msg("Server is running in DEVELOPMENT mode (ENV=development).")
		logger.Warn().Msg("DevAuthMiddleware is active: requests default to admin access.")
		logger.Warn().Msg("Set ENV=production and configure AUTH_ISSUER for production.")
		logger.Warn().Msg("============================================================")
	}

	metricsProvider, metrics, err := newMetrics(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise metrics")
	}

	phi, err := newPHIStack(cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("PHI encryption configuration error")
	}

	auditSink := hipaa.MultiSink{hipaa.NewAuditLogger(pool), hipaa.NewLogAuditSink(logger)}

	// Repositories and services
	patientRepo := identity.NewPatientRepo(pool, phi.hook)
	identitySvc := identity.NewService(patientRepo)
	noteRepo := clinical.NewNoteRepo(pool, phi.hook)
	clinicalSvc := clinical.NewService(noteRepo)
	grantRepo := consent.NewGrantRepoPG(pool)
	consentSvc := consent.NewService(grantRepo, auditSink, logger)
	authorizer := consent.NewAuthorizer(grantRepo, identitySvc, logger)
	breakGlass := consent.NewBreakGlass(grantRepo, consent.BreakGlassConfig{
		DefaultMinutes:   cfg.BTGDefaultMinutes,
		MaxMinutes:       cfg.BTGMaxMinutes,
		MaxGrantsPerHour: cfg.BTGMaxGrantsPerHour,
	}, logger,
		consent.WithAuditSink(auditSink),
		consent.WithMetrics(metrics),
		consent.WithTransactions(pool),
	)
	go breakGlass.RunCleanup(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigning != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigning)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(middleware.Audit(auditSink, logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":            "ok",
			"version":           version,
			"phi_key_id":        phi.encryption.KeyID(),
			"phi_key_ephemeral": fmt.Sprint(phi.encryption.IsEphemeral()),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if metricsProvider != nil {
		e.GET("/metrics", metricsProvider.EchoHandler())
	}

	apiV1 := e.Group("/api/v1")
	guard := middleware.PatientAccess(authorizer, logger)

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1, guard)
	clinical.NewHandler(clinicalSvc).RegisterRoutes(apiV1, guard)
	consent.NewHandler(consentSvc, breakGlass).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if metricsProvider != nil {
		if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown failed")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}
