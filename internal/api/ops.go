package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/errors"
)

// initOpsRoutes registers the audit and dead-letter read endpoints.
func (c *Controller) initOpsRoutes() {
	ops := c.Group.Group("", c.authMiddleware)
	ops.GET("/audit", c.ListAudit)
	ops.GET("/dead-letters", c.ListDeadLetters)
}

// ListAudit pages through the tenant's audit trail.
func (c *Controller) ListAudit(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "audit:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	records, next, err := c.ops.ListAudit(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "audit list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"records": records, "next_cursor": next})
}

// ListDeadLetters pages through readings rejected by the pipeline.
func (c *Controller) ListDeadLetters(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "deadletters:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	letters, next, err := c.ops.ListDeadLetters(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "dead letter list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"dead_letters": letters, "next_cursor": next})
}
