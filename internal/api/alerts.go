package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// initAlertRoutes registers alert lifecycle endpoints.
func (c *Controller) initAlertRoutes() {
	alerts := c.Group.Group("/alerts", c.authMiddleware)
	alerts.GET("", c.ListAlerts)
	alerts.GET("/:id", c.GetAlert)
	alerts.GET("/:id/transitions", c.ListAlertTransitions)
	alerts.GET("/:id/notifications", c.ListAlertNotifications)
	alerts.POST("/:id/acknowledge", c.transitionHandler(entities.AlertAcknowledged))
	alerts.POST("/:id/investigate", c.transitionHandler(entities.AlertInvestigating))
	alerts.POST("/:id/resolve", c.transitionHandler(entities.AlertResolved))
	alerts.POST("/:id/suppress", c.transitionHandler(entities.AlertSuppressed))
}

// ListAlerts pages through the tenant's alerts with optional filters.
func (c *Controller) ListAlerts(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "alerts:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	filter := repository.AlertFilter{
		State:    ctx.QueryParam("state"),
		RuleID:   ctx.QueryParam("rule_id"),
		DeviceID: ctx.QueryParam("device_id"),
		Severity: ctx.QueryParam("severity"),
	}
	alerts, next, err := c.alertRepo.List(ctx.Request().Context(), auth.Tenant.ID, filter, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "alert list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"alerts": alerts, "next_cursor": next})
}

// GetAlert returns one alert instance.
func (c *Controller) GetAlert(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "alerts:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	alert, err := c.alertRepo.Get(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "alert not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "alert lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, alert)
}

// ListAlertTransitions returns the alert's append-only transition log.
func (c *Controller) ListAlertTransitions(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "alerts:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	alert, err := c.alertRepo.Get(reqCtx, auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "alert not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "alert lookup failed", err))
	}
	transitions, err := c.alertRepo.ListTransitions(reqCtx, alert.ID)
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "transition list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"transitions": transitions})
}

// ListAlertNotifications returns the alert's delivery attempt log.
func (c *Controller) ListAlertNotifications(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "alerts:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	attempts, next, err := c.notifications.ListByAlert(
		ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"), pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "attempt list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"attempts": attempts, "next_cursor": next})
}

// transitionRequest carries the operator's reason for a state change.
type transitionRequest struct {
	Reason string `json:"reason"`
}

// transitionHandler builds the handler for one lifecycle action. The
// reason defaults to the action name so idempotent retries collide on the
// transition log's unique key.
func (c *Controller) transitionHandler(toState string) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		auth, err := c.authorize(ctx, "alerts:write")
		if err != nil {
			return c.HandleError(ctx, err)
		}
		var req transitionRequest
		_ = ctx.Bind(&req)
		if req.Reason == "" {
			req.Reason = toState
		}
		alert, err := c.manager.Transition(
			ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"),
			toState, auth.Principal.ID, req.Reason)
		if err != nil {
			return c.HandleError(ctx, err)
		}
		return ctx.JSON(http.StatusOK, alert)
	}
}
