package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mllp-gateway/internal/config"
	"github.com/ehr/mllp-gateway/internal/platform/forward"
	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
	"github.com/ehr/mllp-gateway/internal/platform/mllp"
	"github.com/ehr/mllp-gateway/internal/platform/registry"
	"github.com/ehr/mllp-gateway/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mllp-gateway",
		Short:        "HL7 v2 MLLP ingestion gateway",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(parseCmd())
	root.AddCommand(sendCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept HL7 v2 messages over MLLP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Message handler
	var handler mllp.Handler = acceptAll(logger)
	if cfg.NATSURL != "" {
		nc, err := forward.Connect(cfg.NATSURL, "mllp-gateway/"+cfg.GatewayID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Drain()
		handler = forward.New(nc, forward.Config{
			SubjectPrefix: cfg.NATSSubjectPrefix,
			GatewayID:     cfg.GatewayID,
			Sync:          cfg.NATSSync,
		}, logger)
		logger.Info().Str("url", cfg.NATSURL).Str("prefix", cfg.NATSSubjectPrefix).Msg("forwarding to NATS")
	} else {
		logger.Warn().Msg("NATS_URL not set, messages are acknowledged and dropped")
	}

	// Connection registry
	var reg registry.Registry = registry.NewMemory(cfg.GatewayID)
	if cfg.RedisURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := registry.Dial(dialCtx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		redisReg := registry.NewRedis(rdb, cfg.GatewayID, cfg.RegistryTTL, logger)
		defer redisReg.Close()
		reg = redisReg
		logger.Info().Msg("connected to Redis")
	}

	// Telemetry
	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "mllp-gateway",
		ServiceVersion: version,
		Environment:    cfg.Env,
		GatewayID:      cfg.GatewayID,
	})

	acks := hl7v2.NewAckBuilder(cfg.AckApp, cfg.AckFacility, cfg.HL7Version)

	// MLLP server
	mllpServer := mllp.NewServer(mllp.ServerConfig{
		Addr:               cfg.MLLPAddr,
		MaxFrameSize:       cfg.MaxFrameSize,
		IdleTimeout:        cfg.IdleTimeout,
		MaxMalformedFrames: cfg.MaxMalformedFrames,
		WriteTimeout:       cfg.WriteTimeout,
	}, handler,
		mllp.WithLogger(logger),
		mllp.WithAckBuilder(acks),
		mllp.WithObserver(metrics),
		mllp.WithObserver(reg),
	)
	if err := mllpServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start MLLP server")
	}
	logger.Info().Str("addr", mllpServer.Addr()).Str("gateway_id", cfg.GatewayID).Msg("MLLP server started")

	// Admin API
	var admin *echo.Echo
	if cfg.HTTPPort != "" {
		admin = newAdminServer(adminDeps{
			cfg:      cfg,
			registry: reg,
			metrics:  metrics,
			acks:     acks,
			logger:   logger,
		})
		go func() {
			addr := ":" + cfg.HTTPPort
			logger.Info().Str("addr", addr).Msg("starting admin API")
			if err := admin.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Msg("admin API error")
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("admin API shutdown failed")
		}
	}
	mllpServer.Stop()
	logger.Info().Msg("gateway stopped")
	return nil
}

// acceptAll acknowledges every parsed message without forwarding it.
func acceptAll(logger zerolog.Logger) mllp.Handler {
	return mllp.HandlerFunc(func(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
		logger.Debug().
			Str("conn_id", mllp.ConnIDFromContext(ctx)).
			Str("type", msg.MessageType()).
			Str("control_id", msg.ControlID()).
			Msg("message accepted")
		return nil, nil
	})
}
