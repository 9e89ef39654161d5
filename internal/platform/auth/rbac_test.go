package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func requestWithRoles(t *testing.T, mw echo.MiddlewareFunc, roles []string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if roles != nil {
		ctx := context.WithValue(req.Context(), UserRolesKey, roles)
		req = req.WithContext(ctx)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return handler(c)
}

func TestRequireRole_Allows(t *testing.T) {
	mw := RequireRole("billing")
	if err := requestWithRoles(t, mw, []string{"billing"}); err != nil {
		t.Errorf("matching role rejected: %v", err)
	}
}

func TestRequireRole_AdminOverride(t *testing.T) {
	mw := RequireRole("billing")
	if err := requestWithRoles(t, mw, []string{"admin"}); err != nil {
		t.Errorf("admin rejected: %v", err)
	}
}

func TestRequireRole_AnyOfSeveral(t *testing.T) {
	mw := RequireRole("billing", "reception")
	if err := requestWithRoles(t, mw, []string{"reception"}); err != nil {
		t.Errorf("reception rejected on billing-or-reception route: %v", err)
	}
}

func TestRequireRole_Denies(t *testing.T) {
	mw := RequireRole("billing")

	err := requestWithRoles(t, mw, []string{"nursing"})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want 403", err)
	}

	err = requestWithRoles(t, mw, nil)
	he, ok = err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("no roles: err = %v, want 403", err)
	}
}
