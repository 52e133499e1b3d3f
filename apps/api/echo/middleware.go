package echoapi

import (
	"github.com/labstack/echo/v4"

	"github.com/trezcool/shule/core/user"
)

// participantMiddleware only lets teachers and students through: they are the only ones who message.
// It loads the context user for the handlers.
func participantMiddleware(svc *user.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			usr, err := getContextUser(ctx, svc)
			if err != nil {
				return err
			}
			if usr.IsTeacher() || usr.IsStudent() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
