package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// initTenantRoutes registers tenant administration endpoints. Tenant CRUD
// is cross-tenant by nature, so every route requires the admin role.
func (c *Controller) initTenantRoutes() {
	tenants := c.Group.Group("/tenants", c.authMiddleware)
	tenants.POST("", c.CreateTenant)
	tenants.GET("", c.ListTenants)
	tenants.GET("/:id", c.GetTenant)
	tenants.PUT("/:id", c.UpdateTenant)
	tenants.DELETE("/:id", c.DeleteTenant)
}

// CreateTenant provisions a tenant.
func (c *Controller) CreateTenant(ctx echo.Context) error {
	if _, err := c.authorize(ctx, "tenants:write"); err != nil {
		return c.HandleError(ctx, err)
	}
	var tenant entities.Tenant
	if err := ctx.Bind(&tenant); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed tenant"))
	}
	if tenant.Slug == "" {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "slug is required"))
	}
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	if tenant.Status == "" {
		tenant.Status = entities.TenantActive
	}
	if err := c.tenants.Create(ctx.Request().Context(), &tenant); err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindConflict, "tenant create failed", err))
	}
	return ctx.JSON(http.StatusCreated, tenant)
}

// ListTenants pages through tenants.
func (c *Controller) ListTenants(ctx echo.Context) error {
	if _, err := c.authorize(ctx, "tenants:read"); err != nil {
		return c.HandleError(ctx, err)
	}
	tenants, next, err := c.tenants.List(ctx.Request().Context(), pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "tenant list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"tenants": tenants, "next_cursor": next})
}

// GetTenant returns one tenant.
func (c *Controller) GetTenant(ctx echo.Context) error {
	if _, err := c.authorize(ctx, "tenants:read"); err != nil {
		return c.HandleError(ctx, err)
	}
	tenant, err := c.tenants.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "tenant not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "tenant lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, tenant)
}

// UpdateTenant updates quotas, tier, status, and feature flags.
func (c *Controller) UpdateTenant(ctx echo.Context) error {
	if _, err := c.authorize(ctx, "tenants:write"); err != nil {
		return c.HandleError(ctx, err)
	}
	var tenant entities.Tenant
	if err := ctx.Bind(&tenant); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed tenant"))
	}
	tenant.ID = ctx.Param("id")
	if err := c.tenants.Update(ctx.Request().Context(), &tenant); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "tenant not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "tenant update failed", err))
	}
	return ctx.JSON(http.StatusOK, tenant)
}

// DeleteTenant removes a tenant.
func (c *Controller) DeleteTenant(ctx echo.Context) error {
	if _, err := c.authorize(ctx, "tenants:write"); err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.tenants.Delete(ctx.Request().Context(), ctx.Param("id")); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "tenant not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "tenant delete failed", err))
	}
	return ctx.NoContent(http.StatusNoContent)
}
