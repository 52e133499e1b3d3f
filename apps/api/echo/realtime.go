package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/services/realtime"
)

// subscribe upgrades the request to a websocket bound to the token's user.
// It returns once the connection is closed.
func (api *messageApi) subscribe(ctx echo.Context) error {
	token := bearerToken(ctx)
	if token == "" {
		return middleware.ErrJWTMissing
	}
	claims, err := ParseToken(token, api.conf)
	if err != nil {
		return err
	}
	usr, err := getContextUser(ctx, api.usrSvc, *claims)
	if err != nil {
		return err
	}

	if err = api.hub.Serve(ctx.Response(), ctx.Request(), usr.ID); err != nil {
		if errors.Cause(err) == realtime.ErrHubClosed {
			return err
		}
		// the upgrader has already replied
		api.logger.Debug("realtime handshake failed for " + usr.ID + ": " + err.Error())
	}
	return nil
}
