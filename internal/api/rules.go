package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// initRuleRoutes registers rule management endpoints.
func (c *Controller) initRuleRoutes() {
	rules := c.Group.Group("/rules", c.authMiddleware)
	rules.POST("", c.CreateRule)
	rules.GET("", c.ListRules)
	rules.GET("/:id", c.GetRule)
	rules.PUT("/:id", c.UpdateRule)
	rules.DELETE("/:id", c.DeleteRule)
	rules.POST("/:id/clear-degraded", c.ClearRuleDegraded)
}

func validateRule(rule *entities.RuleDefinition) error {
	switch rule.Family {
	case entities.RuleFamilyThreshold:
		if rule.Key == "" || rule.Operator == "" {
			return errors.New(errors.KindValidationFailed, "threshold rules require key and operator")
		}
	case entities.RuleFamilyWindow:
		if rule.Key == "" || rule.Aggregate == "" || rule.WindowSec <= 0 {
			return errors.New(errors.KindValidationFailed, "window rules require key, aggregate, and window_sec")
		}
	case entities.RuleFamilyRateOfChange:
		if rule.Key == "" || rule.WindowSec <= 0 {
			return errors.New(errors.KindValidationFailed, "rate_of_change rules require key and window_sec")
		}
	case entities.RuleFamilyExpression:
		if rule.Expression == "" {
			return errors.New(errors.KindValidationFailed, "expression rules require an expression")
		}
	default:
		return errors.Newf(errors.KindValidationFailed, "unknown rule family %q", rule.Family)
	}
	if entities.SeverityRank(rule.Severity) == 0 {
		return errors.Newf(errors.KindValidationFailed, "unknown severity %q", rule.Severity)
	}
	return nil
}

// CreateRule creates a rule at version 1.
func (c *Controller) CreateRule(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rules:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var rule entities.RuleDefinition
	if err := ctx.Bind(&rule); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed rule"))
	}
	if err := validateRule(&rule); err != nil {
		return c.HandleError(ctx, err)
	}
	rule.ID = uuid.NewString()
	rule.TenantID = auth.Tenant.ID
	rule.Version = 1
	rule.Degraded = false
	rule.DegradedReason = ""
	if err := c.rules.Create(ctx.Request().Context(), &rule); err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rule create failed", err))
	}
	return ctx.JSON(http.StatusCreated, rule)
}

// ListRules pages through the tenant's rules.
func (c *Controller) ListRules(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rules:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	rules, next, err := c.rules.List(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rule list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"rules": rules, "next_cursor": next})
}

// GetRule returns one rule.
func (c *Controller) GetRule(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rules:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	rule, err := c.rules.Get(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rule not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rule lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, rule)
}

// UpdateRule replaces the rule's parameters and bumps its version. Open
// alerts keep their identity across the change.
func (c *Controller) UpdateRule(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rules:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var rule entities.RuleDefinition
	if err := ctx.Bind(&rule); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed rule"))
	}
	rule.ID = ctx.Param("id")
	rule.TenantID = auth.Tenant.ID
	if err := validateRule(&rule); err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.rules.Update(ctx.Request().Context(), &rule); err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rule not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rule update failed", err))
	}
	return ctx.JSON(http.StatusOK, rule)
}

// DeleteRule removes a rule. Its open alerts stay open for operators to
// close out.
func (c *Controller) DeleteRule(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rules:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.rules.Delete(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id")); err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rule not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rule delete failed", err))
	}
	return ctx.NoContent(http.StatusNoContent)
}

// ClearRuleDegraded re-enables evaluation of a degraded rule.
func (c *Controller) ClearRuleDegraded(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "rules:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	rule, err := c.rules.Get(reqCtx, auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "rule not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "rule lookup failed", err))
	}
	if err := c.rules.ClearDegraded(reqCtx, rule.ID); err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "clear degraded failed", err))
	}
	rule.Degraded = false
	rule.DegradedReason = ""
	return ctx.JSON(http.StatusOK, rule)
}
