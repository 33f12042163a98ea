package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/identity"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// initDeviceRoutes registers device management endpoints.
func (c *Controller) initDeviceRoutes() {
	devices := c.Group.Group("/devices", c.authMiddleware)
	devices.POST("", c.CreateDevice)
	devices.GET("", c.ListDevices)
	devices.GET("/:id", c.GetDevice)
	devices.PUT("/:id", c.UpdateDevice)
	devices.DELETE("/:id", c.DeleteDevice)
	devices.POST("/:id/rotate-key", c.RotateDeviceKey)
}

func newDeviceSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// CreateDevice registers a device under the caller's tenant, consuming
// one unit of the device quota. The shared secret is returned exactly
// once, in this response.
func (c *Controller) CreateDevice(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "devices:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var device entities.Device
	if err := ctx.Bind(&device); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed device"))
	}
	if device.Name == "" {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "name is required"))
	}
	device.ID = uuid.NewString()
	device.TenantID = auth.Tenant.ID
	device.Status = entities.DeviceOffline
	secret := newDeviceSecret()
	device.SharedSecret = secret
	for i := range device.Keys {
		device.Keys[i].DeviceID = device.ID
	}

	reqCtx := ctx.Request().Context()
	if err := c.quotas.Reserve(reqCtx, auth.Tenant, identity.ResourceDevices, 1); err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.devices.Create(reqCtx, &device); err != nil {
		if relErr := c.quotas.Release(reqCtx, auth.Tenant, identity.ResourceDevices, 1); relErr != nil {
			c.log.Warn("quota release failed", logger.Error(relErr))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "device create failed", err))
	}
	return ctx.JSON(http.StatusCreated, map[string]any{
		"device":        device,
		"shared_secret": secret,
	})
}

// ListDevices pages through the tenant's devices.
func (c *Controller) ListDevices(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "devices:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	devices, next, err := c.devices.List(ctx.Request().Context(), auth.Tenant.ID, pageParams(ctx))
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "device list failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{"devices": devices, "next_cursor": next})
}

// GetDevice returns one device with its declared keys.
func (c *Controller) GetDevice(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "devices:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	device, err := c.devices.Get(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "device not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "device lookup failed", err))
	}
	return ctx.JSON(http.StatusOK, device)
}

// UpdateDevice updates mutable device fields.
func (c *Controller) UpdateDevice(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "devices:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var device entities.Device
	if err := ctx.Bind(&device); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed device"))
	}
	device.ID = ctx.Param("id")
	device.TenantID = auth.Tenant.ID
	if err := c.devices.Update(ctx.Request().Context(), &device); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "device not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "device update failed", err))
	}
	return ctx.JSON(http.StatusOK, device)
}

// DeleteDevice removes a device and releases its quota unit.
func (c *Controller) DeleteDevice(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "devices:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	if err := c.devices.Delete(reqCtx, auth.Tenant.ID, ctx.Param("id")); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "device not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "device delete failed", err))
	}
	if err := c.quotas.Release(reqCtx, auth.Tenant, identity.ResourceDevices, 1); err != nil {
		c.log.Warn("quota release failed", logger.Error(err))
	}
	return ctx.NoContent(http.StatusNoContent)
}

// RotateDeviceKey replaces the shared secret. Readings signed with the
// old secret are rejected from the next request on.
func (c *Controller) RotateDeviceKey(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "devices:write")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	secret := newDeviceSecret()
	if err := c.devices.RotateKey(ctx.Request().Context(), auth.Tenant.ID, ctx.Param("id"), secret); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return c.HandleError(ctx, errors.New(errors.KindNotFound, "device not found"))
		}
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "key rotation failed", err))
	}
	return ctx.JSON(http.StatusOK, map[string]string{"shared_secret": secret})
}
