package handler

import (
	"log"
	"net/http"

	"github.com/haatos/pushdeploy/internal/store"
	"github.com/labstack/echo/v4"
)

// ErrorHandler renders every handler error as a JSON detail body. Internal
// errors are logged with the request path but never leak to the caller.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	switch e := err.(type) {
	case *echo.HTTPError:
		c.Logger().Errorf(
			"handler internal error %s [%d]: %+v\n",
			c.Request().URL.Path, e.Code, e.Internal,
		)
		message, ok := e.Message.(string)
		if !ok {
			message = http.StatusText(e.Code)
		}
		if err := c.JSON(e.Code, map[string]string{"detail": message}); err != nil {
			log.Printf("err returning json: %+v\n", err)
		}
	default:
		c.Logger().Errorf("handler error: %+v\n", e)
		if err := c.JSON(
			http.StatusInternalServerError,
			map[string]string{"detail": "something went terribly wrong"},
		); err != nil {
			log.Printf("err returning json: %+v\n", err)
		}
	}
}

func isUniqueConstraintError(err error) bool {
	return store.IsUniqueConstraintError(err)
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}
