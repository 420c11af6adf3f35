package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mllp-gateway/internal/config"
	"github.com/ehr/mllp-gateway/internal/platform/auth"
	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
	"github.com/ehr/mllp-gateway/internal/platform/middleware"
	"github.com/ehr/mllp-gateway/internal/platform/registry"
	"github.com/ehr/mllp-gateway/internal/platform/telemetry"
)

const adminRequestTimeout = 30 * time.Second

type adminDeps struct {
	cfg      *config.Config
	registry registry.Registry
	metrics  *telemetry.Provider
	acks     *hl7v2.AckBuilder
	logger   zerolog.Logger
}

// newAdminServer builds the admin HTTP API. /health and /metrics are public;
// everything under /api/v1 requires a bearer token when ADMIN_JWT_SECRET is
// set.
func newAdminServer(d adminDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(d.metrics.MetricsMiddleware())
	e.Use(middleware.BodyLimit(int64(d.cfg.MaxFrameSize)))
	e.Use(middleware.RequestTimeout(adminRequestTimeout))

	// Auth middleware
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		SigningKey: []byte(d.cfg.AdminJWTSecret),
		Skipper:    auth.AuthSkipper,
	}))

	e.GET("/health", healthHandler(d.registry))
	e.GET("/metrics", d.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	apiV1.GET("/connections", connectionsHandler(d.registry))
	hl7v2.NewHandler(d.acks).RegisterRoutes(apiV1)

	return e
}

func healthHandler(reg registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := reg.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"version":  version,
				"registry": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

// connectionsHandler handles GET /api/v1/connections.
func connectionsHandler(reg registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		conns, err := reg.List(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]any{
			"connections": conns,
			"total":       len(conns),
		})
	}
}
