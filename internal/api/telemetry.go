package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/ingest"
)

// telemetryRequest is the HTTP intake body: one device reporting a batch
// of readings. The device key travels in a header so payloads can be
// logged without leaking secrets.
type telemetryRequest struct {
	DeviceID string             `json:"device_id"`
	Readings []telemetryReading `json:"readings"`
}

type telemetryReading struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Ts      string `json:"ts,omitempty"`
	Quality *int   `json:"quality,omitempty"`
}

// initTelemetryRoutes registers the device intake endpoint.
func (c *Controller) initTelemetryRoutes() {
	c.Group.POST("/telemetry", c.IngestTelemetry)
}

// IngestTelemetry accepts a batch of readings from one device. 202 means
// durably queued; it does not mean flushed. The whole batch is admitted
// before anything is enqueued, so a malformed reading rejects the batch
// without a partial accept. Saturation returns 503 with Retry-After.
func (c *Controller) IngestTelemetry(ctx echo.Context) error {
	secret := ctx.Request().Header.Get("X-Device-Key")
	if secret == "" {
		return c.HandleError(ctx, errors.New(errors.KindUnauthenticated, "missing device key"))
	}

	var req telemetryRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "malformed request body"))
	}
	if req.DeviceID == "" {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "device_id is required"))
	}
	if len(req.Readings) == 0 {
		return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "readings must not be empty"))
	}

	reqCtx := ctx.Request().Context()
	preps := make([]*ingest.Prepared, 0, len(req.Readings))
	for _, r := range req.Readings {
		if r.Key == "" {
			return c.HandleError(ctx, errors.New(errors.KindValidationFailed, "key is required"))
		}
		in := &ingest.IncomingReading{
			Adapter:      "http",
			DeviceID:     req.DeviceID,
			DeviceSecret: secret,
			Key:          r.Key,
			Value:        r.Value,
			Quality:      r.Quality,
		}
		if r.Ts != "" {
			ts, err := time.Parse(time.RFC3339, r.Ts)
			if err != nil {
				return c.HandleError(ctx, errors.Newf(errors.KindValidationFailed, "invalid timestamp %q", r.Ts))
			}
			in.ProducerTs = &ts
		}
		prep, err := c.pipeline.Prepare(reqCtx, in)
		if err != nil {
			return c.HandleError(ctx, err)
		}
		preps = append(preps, prep)
	}

	for _, prep := range preps {
		if err := c.pipeline.Enqueue(prep); err != nil {
			if errors.IsKind(err, errors.KindSaturated) {
				ctx.Response().Header().Set("Retry-After", "2")
			}
			return c.HandleError(ctx, err)
		}
	}
	return ctx.JSON(http.StatusAccepted, map[string]any{
		"accepted": len(preps),
	})
}
