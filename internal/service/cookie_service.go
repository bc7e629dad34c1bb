package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/haatos/pushdeploy/internal"
	"github.com/haatos/pushdeploy/internal/settings"
	"github.com/labstack/echo/v4"
)

type CookieService struct {
	s *securecookie.SecureCookie
}

func NewCookieService(hashKey, blockKey []byte) *CookieService {
	return &CookieService{
		s: securecookie.New(hashKey, blockKey),
	}
}

// GetSessionUserID decodes the session cookie set by the auth frontend
// and returns the user id it carries.
func (cs *CookieService) GetSessionUserID(c echo.Context) (int64, error) {
	cookie, err := c.Cookie(internal.SessionCookie)
	if err != nil {
		return 0, err
	}
	values := make(map[string]string)
	if err := cs.s.Decode(internal.SessionCookie, cookie.Value, &values); err != nil {
		return 0, err
	}
	return strconv.ParseInt(values["user_id"], 10, 64)
}

func (cs *CookieService) SetSessionCookie(c echo.Context, userID int64) error {
	encoded, err := cs.s.Encode(
		internal.SessionCookie,
		map[string]string{"user_id": strconv.FormatInt(userID, 10)},
	)
	if err != nil {
		return err
	}
	c.SetCookie(&http.Cookie{
		Name:     internal.SessionCookie,
		Value:    encoded,
		Path:     "/",
		Secure:   settings.Settings.Domain != "localhost",
		HttpOnly: true,
		Expires:  time.Now().UTC().Add(30 * 24 * time.Hour),
		Domain:   settings.Settings.Domain,
	})
	return nil
}

func (cs *CookieService) RemoveSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     internal.SessionCookie,
		Value:    "",
		Path:     "/",
		Secure:   settings.Settings.Domain != "localhost",
		HttpOnly: true,
		Expires:  time.Now().UTC(),
		Domain:   settings.Settings.Domain,
	})
}
