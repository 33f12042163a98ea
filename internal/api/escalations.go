package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// initEscalationRoutes registers escalation policy and on-call rotation
// endpoints.
func (c *Controller) initEscalationRoutes() {
	policies := c.Group.Group("/escalation-policies", c.authMiddleware)
	policies.POST("", c.CreateEscalationPolicy)
	policies.GET("", c.ListEscalationPolicies)
	policies.GET("/:id", c.GetEscalationPolicy)
	policies.PUT("/:id", c.UpdateEscalationPolicy)
	policies.DELETE("/:id", c.DeleteEscalationPolicy)

	rotations := c.Group.Group("/rotations", c.authMiddleware)
	rotations.POST("", c.CreateRotation)
	rotations.GET("", c.ListRotations)
	rotations.GET("/:id", c.GetRotation)
	rotations.PUT("/:id", c.UpdateRotation)
	rotations.DELETE("/:id", c.DeleteRotation)
}

func validatePolicy(policy *entities.EscalationPolicy) error {
	for i := range policy.Steps {
		step := &policy.Steps[i]
		step.StepIndex = i
		switch step.TargetType {
		case entities.TargetUser, entities.TargetRole, entities.TargetOnCall:
		default:
			return errors.Newf(errors.KindValidationFailed, "unknown target type %q", step.TargetType)
		}
		switch step.Channel {
		case entities.ChannelWebhook, entities.ChannelEmail, entities.ChannelChat:
		default:
			return errors.Newf(errors.KindValidationFailed, "unknown channel %q", step.Channel)
		}
	}
	return nil
}

// CreateEscalationPolicy creates a policy with its ordered steps.
func (c *Controller) CreateEscalationPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "escalations:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var policy entities.EscalationPolicy
	if err := ctx.Bind(&policy); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed policy"))
	}
	if err := validatePolicy(&policy); err != nil {
		return c.HandleError(ctx, err)
	}
	policy.ID = uuid.NewString()
	policy.TenantID = auth.Tenant.ID
	if err := c.escalations.CreatePolicy(ctx.Request().Context(), &policy); err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy create failed", err))
	}
	return ctx.JSON(http.StatusCreated, policy)
}

// ListEscalationPolicies pages through the tenant's policies.
func (c *Controller) ListEscalationPolicies(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "escalations:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	policies, next, err := c.escalations.ListPolicies(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"policies": policies, "next_cursor": next})
}

// GetEscalationPolicy returns one policy with its steps.
func (c *Controller) GetEscalationPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "escalations:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	policy, err := c.escalations.GetPolicy(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, policy)
}

// UpdateEscalationPolicy replaces the policy's steps. Alerts already
// escalating keep their original step list.
func (c *Controller) UpdateEscalationPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "escalations:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var policy entities.EscalationPolicy
	if err := ctx.Bind(&policy); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed policy"))
	}
	if err := validatePolicy(&policy); err != nil {
		return c.HandleError(ctx, err)
	}
	policy.ID = ctx.Param("id")
	policy.TenantID = auth.Tenant.ID
	if err := c.escalations.UpdatePolicy(ctx.Request().Context(), &policy); err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy update failed", err))
	}
	return ctx.JSON(http.StatusOK, policy)
}

// DeleteEscalationPolicy removes a policy.
func (c *Controller) DeleteEscalationPolicy(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "escalations:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.escalations.DeletePolicy(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id")); err != nil {
		if errors.Is(err, repository.ErrPolicyNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "policy not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "policy delete failed", err))
	}
	return ctx.NoContent(http.StatusNoContent)
}

// CreateRotation creates an on-call rotation.
func (c *Controller) CreateRotation(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rotations:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var rotation entities.OnCallRotation
	if err := ctx.Bind(&rotation); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed rotation"))
	}
	rotation.ID = uuid.NewString()
	rotation.TenantID = auth.Tenant.ID
	if err := c.escalations.CreateRotation(ctx.Request().Context(), &rotation); err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rotation create failed", err))
	}
	return ctx.JSON(http.StatusCreated, rotation)
}

// ListRotations pages through the tenant's rotations.
func (c *Controller) ListRotations(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rotations:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	rotations, next, err := c.escalations.ListRotations(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rotation list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"rotations": rotations, "next_cursor": next})
}

// GetRotation returns one rotation with shifts and overrides.
func (c *Controller) GetRotation(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rotations:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	rotation, err := c.escalations.GetRotation(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRotationNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rotation not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rotation lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, rotation)
}

// UpdateRotation appends shifts and replaces overrides.
func (c *Controller) UpdateRotation(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rotations:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var rotation entities.OnCallRotation
	if err := ctx.Bind(&rotation); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed rotation"))
	}
	rotation.ID = ctx.Param("id")
	rotation.TenantID = auth.Tenant.ID
	if err := c.escalations.UpdateRotation(ctx.Request().Context(), &rotation); err != nil {
		if errors.Is(err, repository.ErrRotationNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rotation not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rotation update failed", err))
	}
	return ctx.JSON(http.StatusOK, rotation)
}

// DeleteRotation removes a rotation.
func (c *Controller) DeleteRotation(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rotations:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.escalations.DeleteRotation(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id")); err != nil {
		if errors.Is(err, repository.ErrRotationNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rotation not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rotation delete failed", err))
	}
	return ctx.NoContent(http.StatusNoContent)
}
