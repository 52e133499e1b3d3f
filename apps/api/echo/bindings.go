package echoapi

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/shule/core"
)

const limitParam = "limit"

// Limit is the `limit` query param of list endpoints. Zero means "use the default".
type Limit struct {
	N int
}

func (l *Limit) Bind(ctx echo.Context) error {
	val := core.CleanString(ctx.QueryParam(limitParam))
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return core.NewFieldValidationError(limitParam, "must be a positive integer")
	}
	l.N = n
	return nil
}
