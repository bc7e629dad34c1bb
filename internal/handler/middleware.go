package handler

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/haatos/pushdeploy/internal/service"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/labstack/echo/v4"
)

// SessionMiddleware resolves the session cookie to a user and stashes it
// on the context. Requests without a valid session pass through with no
// user so public routes keep working.
func SessionMiddleware(
	cookies *service.CookieService,
	userStore store.UserStore,
) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := cookies.GetSessionUserID(c)
			if err != nil {
				return next(c)
			}
			u, err := userStore.ReadUserByID(c.Request().Context(), userID)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					c.Logger().Errorf("err reading session user: %+v\n", err)
				}
				return next(c)
			}
			setCtxUser(c, u)
			return next(c)
		}
	}
}

func IsAuthenticated(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if getCtxUser(c) == nil {
			return newError(nil, http.StatusUnauthorized, "not authenticated")
		}
		return next(c)
	}
}

// FirewallMiddleware rejects requests from blacklisted IPs before the
// body is read, and strikes requests that look like scanner probes.
func FirewallMiddleware(firewall *service.Firewall) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if !firewall.Allow(ip) {
				return newError(nil, http.StatusTooManyRequests, "blocked")
			}
			if service.Suspicious(
				c.Request().URL.Path, c.Request().UserAgent(),
			) {
				firewall.Strike(ip)
				return newError(nil, http.StatusForbidden, "forbidden")
			}
			return next(c)
		}
	}
}
