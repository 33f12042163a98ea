package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients authenticate with the bearer token, which is the
	// actual access control; origin enforcement is left to deployments.
	CheckOrigin: func(*http.Request) bool { return true },
}

// initStreamRoutes registers the realtime websocket endpoint.
func (c *Controller) initStreamRoutes() {
	c.Group.GET("/stream", c.StreamEvents, c.authMiddleware)
}

// StreamEvents upgrades to a websocket and streams readings and alert
// events matching the query selector until the peer disconnects or falls
// behind.
func (c *Controller) StreamEvents(ctx echo.Context) error {
	auth, err := c.authorize(ctx, "readings:read")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	sel := realtime.Selector{
		DeviceID: ctx.QueryParam("device_id"),
		Key:      ctx.QueryParam("key"),
		RuleID:   ctx.QueryParam("rule_id"),
	}
	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return c.HandleError(ctx, errors.Wrap(errors.KindValidationFailed, "websocket upgrade failed", err))
	}
	c.hub.ServeConn(conn, auth.Tenant.ID, sel)
	return nil
}
