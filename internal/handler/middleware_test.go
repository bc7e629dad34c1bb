package handler

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/haatos/pushdeploy/internal"
	"github.com/haatos/pushdeploy/internal/service"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "reached")
}

func TestIsAuthenticated(t *testing.T) {
	t.Run("failure - no user on context", func(t *testing.T) {
		// arrange
		req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := IsAuthenticated(okHandler)(c)

		// assert
		echoErr, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, echoErr.Code)
	})
	t.Run("success - user on context passes through", func(t *testing.T) {
		// arrange
		req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)
		setCtxUser(c, &store.User{UserID: 1, Username: "tester"})

		// act
		err := IsAuthenticated(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, "reached", rec.Body.String())
	})
}

func TestSessionMiddleware(t *testing.T) {
	newSessionFixture := func(t *testing.T) (*service.CookieService, store.UserStore, *store.User) {
		t.Helper()
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = db.Close() })
		store.RunMigrations(db, "../../migrations")

		userStore := store.NewUserSQLiteStore(db, db)
		u, err := userStore.CreateUser(context.Background(), "tester")
		if err != nil {
			t.Fatal(err)
		}

		cookies := service.NewCookieService(
			securecookie.GenerateRandomKey(64), securecookie.GenerateRandomKey(32))
		return cookies, userStore, u
	}

	sessionRequest := func(t *testing.T, cookies *service.CookieService, userID int64) *http.Request {
		t.Helper()
		encode := echo.New().NewContext(
			httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := cookies.SetSessionCookie(encode, userID); err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
		req.Header.Set("Cookie", encode.Response().Header().Get("Set-Cookie"))
		return req
	}

	t.Run("success - valid cookie resolves the user", func(t *testing.T) {
		// arrange
		cookies, userStore, u := newSessionFixture(t)
		req := sessionRequest(t, cookies, u.UserID)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := SessionMiddleware(cookies, userStore)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.NotNil(t, getCtxUser(c))
		assert.Equal(t, u.UserID, getCtxUser(c).UserID)
	})
	t.Run("success - no cookie passes through without a user", func(t *testing.T) {
		// arrange
		cookies, userStore, _ := newSessionFixture(t)
		req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := SessionMiddleware(cookies, userStore)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Nil(t, getCtxUser(c))
	})
	t.Run("success - cookie for a deleted user passes through without a user", func(t *testing.T) {
		// arrange
		cookies, userStore, u := newSessionFixture(t)
		req := sessionRequest(t, cookies, u.UserID+100)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := SessionMiddleware(cookies, userStore)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Nil(t, getCtxUser(c))
	})
	t.Run("success - tampered cookie passes through without a user", func(t *testing.T) {
		// arrange
		cookies, userStore, _ := newSessionFixture(t)
		req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
		req.Header.Set("Cookie", internal.SessionCookie+"=not-a-valid-cookie")
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := SessionMiddleware(cookies, userStore)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Nil(t, getCtxUser(c))
	})
}

func TestFirewallMiddleware(t *testing.T) {
	t.Run("success - clean ip passes", func(t *testing.T) {
		// arrange
		fw := service.NewFirewall(2, time.Minute, time.Hour)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", nil)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := FirewallMiddleware(fw)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, "reached", rec.Body.String())
	})
	t.Run("failure - scanner probe is struck and rejected", func(t *testing.T) {
		// arrange
		fw := service.NewFirewall(2, time.Minute, time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/wp-admin/setup.php", nil)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)

		// act
		err := FirewallMiddleware(fw)(okHandler)(c)

		// assert
		echoErr, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusForbidden, echoErr.Code)

		// a second probe crosses the threshold and blacklists the ip
		c2 := e.NewContext(
			httptest.NewRequest(http.MethodGet, "/phpmyadmin", nil),
			httptest.NewRecorder(),
		)
		_ = FirewallMiddleware(fw)(okHandler)(c2)
		assert.False(t, fw.Allow(c.RealIP()))
	})
	t.Run("failure - blacklisted ip is rejected", func(t *testing.T) {
		// arrange
		fw := service.NewFirewall(2, time.Minute, time.Hour)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", nil)
		rec := httptest.NewRecorder()
		e := echo.New()
		c := e.NewContext(req, rec)
		fw.Strike(c.RealIP())
		fw.Strike(c.RealIP())

		// act
		err := FirewallMiddleware(fw)(okHandler)(c)

		// assert
		echoErr, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, echoErr.Code)
	})
}
