package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// initRetentionRoutes registers retention policy endpoints.
func (c *Controller) initRetentionRoutes() {
	retention := c.Group.Group("/retention-policies", c.authMiddleware)
	retention.POST("", c.CreateRetentionPolicy)
	retention.GET("", c.ListRetentionPolicies)
	retention.GET("/:id", c.GetRetentionPolicy)
	retention.PUT("/:id", c.UpdateRetentionPolicy)
	retention.DELETE("/:id", c.DeleteRetentionPolicy)
	retention.POST("/:id/run", c.RunRetentionPolicy)
	retention.GET("/:id/runs", c.ListRetentionRuns)
}

// CreateRetentionPolicy creates a policy and schedules it.
func (c *Controller) CreateRetentionPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var policy entities.RetentionPolicy
	if err := ctx.Bind(&policy); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed policy"))
	}
	if policy.RetentionDays <= 0 {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "retention_days must be positive"))
	}
	policy.ID = uuid.NewString()
	policy.TenantID = auth.Tenant.ID
	if policy.Schedule == "" {
		policy.Schedule = "@daily"
	}
	reqCtx := ctx.Request().Context()
	if err := c.retentionRepo.CreatePolicy(reqCtx, &policy); err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy create failed", err))
	}
	if err := c.runner.Reload(reqCtx); err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, policy)
}

// ListRetentionPolicies pages through the tenant's policies.
func (c *Controller) ListRetentionPolicies(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	policies, next, err := c.retentionRepo.ListPolicies(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"policies": policies, "next_cursor": next})
}

// GetRetentionPolicy returns one policy.
func (c *Controller) GetRetentionPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	policy, err := c.retentionRepo.GetPolicy(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, policy)
}

// UpdateRetentionPolicy updates a policy and re-syncs the scheduler.
func (c *Controller) UpdateRetentionPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var policy entities.RetentionPolicy
	if err := ctx.Bind(&policy); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed policy"))
	}
	if policy.RetentionDays <= 0 {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "retention_days must be positive"))
	}
	policy.ID = ctx.Param("id")
	policy.TenantID = auth.Tenant.ID
	reqCtx := ctx.Request().Context()
	if err := c.retentionRepo.UpdatePolicy(reqCtx, &policy); err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy update failed", err))
	}
	if err := c.runner.Reload(reqCtx); err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, policy)
}

// DeleteRetentionPolicy removes a policy and unschedules it.
func (c *Controller) DeleteRetentionPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	if err := c.retentionRepo.DeletePolicy(reqCtx, auth.Tenant.ID, ctx.Param("id")); err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy delete failed", err))
	}
	if err := c.runner.Reload(reqCtx); err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// RunRetentionPolicy executes a policy immediately and returns the run
// record.
func (c *Controller) RunRetentionPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	policy, err := c.retentionRepo.GetPolicy(reqCtx, auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy lookup failed", err))
	}
	run, err := c.runner.Execute(reqCtx, policy)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, run)
}

// ListRetentionRuns returns a policy's run log.
func (c *Controller) ListRetentionRuns(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "retention:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	policy, err := c.retentionRepo.GetPolicy(reqCtx, auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy lookup failed", err))
	}
	runs, next, err := c.retentionRepo.ListRuns(reqCtx, policy.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "run list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"runs": runs, "next_cursor": next})
}
