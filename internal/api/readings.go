package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

// initReadingRoutes registers time-series query endpoints.
func (c *Controller) initReadingRoutes() {
	readings := c.Group.Group("/devices/:device", c.authMiddleware)
	readings.GET("/readings/:key", c.QueryReadings)
	readings.GET("/readings/:key/last", c.LastReading)
}

// QueryReadings serves a range query. Results are memoized in the query
// cache; concurrent identical queries collapse into one store read.
func (c *Controller) QueryReadings(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "readings:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}

	query := tsdb.RangeQuery{
		TenantID: auth.Tenant.ID,
		DeviceID: ctx.Param("device"),
		Key:      ctx.Param("key"),
		Cursor:   ctx.QueryParam("cursor"),
	}
	query.From, err = parseTimeParam(ctx, "from")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	query.To, err = parseTimeParam(ctx, "to")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if query.To.IsZero() {
		query.To = time.Now().UTC()
	}
	if bucket := ctx.QueryParam("bucket"); bucket != "" {
		d, err := time.ParseDuration(bucket)
		if err != nil {
			return c.HandleError(ctx, errors.Newf(errors.KindValidationFailed, "invalid bucket %q", bucket))
		}
		query.Bucket = d
	}
	query.Limit = pageParams(ctx).Limit

	params := fmt.Sprintf("%d/%d/%s/%d/%s",
		query.From.UnixMicro(), query.To.UnixMicro(), query.Bucket, query.Limit, query.Cursor)
	fingerprint := cache.QueryFingerprint(query.DeviceID, query.Key, params)

	result, err := c.queries.GetOrBuild(auth.Tenant.ID, fingerprint, func() (any, error) {
		return c.gateway.Range(ctx.Request().Context(), query)
	})
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "range query failed", err))
	}
	return ctx.JSON(http.StatusOK, result)
}

// LastReading returns the latest value for a key, preferring the
// last-value cache over a store read.
func (c *Controller) LastReading(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "readings:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	reqCtx := ctx.Request().Context()
	deviceID, key := ctx.Param("device"), ctx.Param("key")

	reading, err := c.lastCache.Get(reqCtx, auth.Tenant.ID, deviceID, key)
	if err != nil {
		c.log.Warn("last-value cache read failed", logger.Error(err))
	}
	if reading == nil {
		reading, err = c.gateway.Last(reqCtx, auth.Tenant.ID, deviceID, key)
		if err != nil {
			return c.HandleError(ctx, errors.Wrap(errors.KindInternal, "last value query failed", err))
		}
	}
	if reading == nil {
		return c.HandleError(ctx, errors.New(errors.KindNotFound, "no readings for key"))
	}
	return ctx.JSON(http.StatusOK, reading)
}

func parseTimeParam(ctx echo.Context, name string) (time.Time, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Newf(errors.KindValidationFailed, "invalid %s timestamp %q", name, raw)
	}
	return t, nil
}
