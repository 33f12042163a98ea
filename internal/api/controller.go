// Package api serves the HTTP surface: telemetry intake, management CRUD,
// alert lifecycle actions, realtime streaming, and metrics.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidemark-io/tidemark/internal/alerts"
	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/identity"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/realtime"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/retention"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

const authContextKey = "tidemark.auth"

// Controller wires every HTTP route. Handlers live in per-concern files;
// each registers its routes through an initXxxRoutes method.
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	settings  *conf.Settings
	resolver  *identity.Resolver
	quotas    *identity.QuotaManager
	pipeline  *ingest.Pipeline
	manager   *alerts.Manager
	hub       *realtime.Hub
	runner    *retention.Runner
	gateway   tsdb.Gateway
	lastCache cache.LastValueStore
	queries   *cache.QueryCache

	tenants       repository.TenantRepository
	devices       repository.DeviceRepository
	rules         repository.RuleRepository
	alertRepo     repository.AlertRepository
	escalations   repository.EscalationRepository
	notifications repository.NotificationRepository
	retentionRepo repository.RetentionRepository
	ops           repository.OpsRepository

	log logger.Logger
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Settings  *conf.Settings
	Resolver  *identity.Resolver
	Quotas    *identity.QuotaManager
	Pipeline  *ingest.Pipeline
	Manager   *alerts.Manager
	Hub       *realtime.Hub
	Runner    *retention.Runner
	Gateway   tsdb.Gateway
	LastCache cache.LastValueStore
	Queries   *cache.QueryCache
	Metrics   *metrics.Metrics

	Tenants       repository.TenantRepository
	Devices       repository.DeviceRepository
	Rules         repository.RuleRepository
	Alerts        repository.AlertRepository
	Escalations   repository.EscalationRepository
	Notifications repository.NotificationRepository
	Retention     repository.RetentionRepository
	Ops           repository.OpsRepository

	Log logger.Logger
}

// New creates the controller and registers all routes.
func New(deps Deps) *Controller {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	c := &Controller{
		Echo:          e,
		settings:      deps.Settings,
		resolver:      deps.Resolver,
		quotas:        deps.Quotas,
		pipeline:      deps.Pipeline,
		manager:       deps.Manager,
		hub:           deps.Hub,
		runner:        deps.Runner,
		gateway:       deps.Gateway,
		lastCache:     deps.LastCache,
		queries:       deps.Queries,
		tenants:       deps.Tenants,
		devices:       deps.Devices,
		rules:         deps.Rules,
		alertRepo:     deps.Alerts,
		escalations:   deps.Escalations,
		notifications: deps.Notifications,
		retentionRepo: deps.Retention,
		ops:           deps.Ops,
		log:           deps.Log,
	}
	c.Group = e.Group("/v1")

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		deps.Metrics.Registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	c.initTelemetryRoutes()
	c.initTenantRoutes()
	c.initDeviceRoutes()
	c.initRuleRoutes()
	c.initAlertRoutes()
	c.initEscalationRoutes()
	c.initRetentionRoutes()
	c.initReadingRoutes()
	c.initOpsRoutes()
	c.initStreamRoutes()
	return c
}

// Start serves on the configured address, blocking until shutdown.
func (c *Controller) Start(addr string) error {
	return c.Echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.Echo.Shutdown(ctx)
}

// kindStatus maps the error taxonomy onto HTTP statuses.
func kindStatus(kind errors.Kind) int {
	switch kind {
	case errors.KindUnauthenticated:
		return http.StatusUnauthorized
	case errors.KindForbidden, errors.KindTenantInactive:
		return http.StatusForbidden
	case errors.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case errors.KindValidationFailed:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindSaturated:
		return http.StatusServiceUnavailable
	case errors.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case errors.KindUpstreamPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes the taxonomy error envelope. The correlation id in
// the body matches the one in the server logs.
func (c *Controller) HandleError(ctx echo.Context, err error) error {
	kind := errors.KindOf(err)
	status := kindStatus(kind)
	correlationID := errors.CorrelationID(err)
	if status >= 500 {
		c.log.Error("request failed",
			logger.String("path", ctx.Path()),
			logger.String("correlation_id", correlationID),
			logger.Error(err))
	}
	message := err.Error()
	var tagged *errors.Error
	if errors.As(err, &tagged) {
		message = tagged.Message
	}
	return ctx.JSON(status, map[string]any{
		"error": map[string]string{
			"code":           kind.Code(),
			"message":        message,
			"correlation_id": correlationID,
		},
	})
}

// authMiddleware resolves the bearer token and stores the auth context.
func (c *Controller) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		header := ctx.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return c.HandleError(ctx, errors.New(errors.KindUnauthenticated, "missing bearer token"))
		}
		auth, err := c.resolver.ResolveBearer(ctx.Request().Context(), header[len(prefix):])
		if err != nil {
			return c.HandleError(ctx, err)
		}
		ctx.Set(authContextKey, auth)
		return next(ctx)
	}
}

// auth returns the resolved auth context for a protected route.
func (c *Controller) auth(ctx echo.Context) *identity.AuthContext {
	v, _ := ctx.Get(authContextKey).(*identity.AuthContext)
	return v
}

// authorize checks the caller against an action and audits the decision.
func (c *Controller) authorize(ctx echo.Context, action string) (*identity.AuthContext, error) {
	auth := c.auth(ctx)
	if auth == nil {
		return nil, errors.New(errors.KindUnauthenticated, "no auth context")
	}
	if err := identity.Authorize(auth, action); err != nil {
		c.resolver.Audit(ctx.Request().Context(), auth, action, ctx.Path(), "denied", errors.CorrelationID(err))
		return nil, err
	}
	return auth, nil
}

// pageParams parses ?limit and ?cursor.
func pageParams(ctx echo.Context) repository.Page {
	page := repository.Page{Cursor: ctx.QueryParam("cursor")}
	if limit := ctx.QueryParam("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			page.Limit = n
		}
	}
	return page
}
