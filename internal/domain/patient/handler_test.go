package patient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/validation"
	"github.com/hms/hms/pkg/pagination"
)

func newTestServer(t *testing.T) (*echo.Echo, *mockRepo) {
	t.Helper()
	repo := newMockRepo()
	h := NewHandler(newTestService(repo))

	e := echo.New()
	e.Validator = validation.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "reception-1")
			ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"reception"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)
	return e, repo
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreate(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/patients",
		`{"first_name": "Asha", "last_name": "Varma", "gender": "female", "phone": "9876543210"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if p.MRN == "" || !p.Active {
		t.Errorf("patient = %+v, want active patient with mrn", p)
	}
}

func TestHandlerCreateValidation(t *testing.T) {
	e, repo := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/patients", `{"first_name": "Asha"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing last name: status = %d, want 400", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/patients",
		`{"first_name": "Asha", "last_name": "Varma", "email": "not-an-email"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad email: status = %d, want 400", rec.Code)
	}

	if len(repo.patients) != 0 {
		t.Errorf("%d patients persisted by rejected requests, want 0", len(repo.patients))
	}
}

func TestHandlerGetByIDOrMRN(t *testing.T) {
	e, repo := newTestServer(t)

	svc := newTestService(repo)
	p, err := svc.Create(context.Background(), CreateInput{FirstName: "Asha", LastName: "Varma"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/patients/"+p.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Errorf("by id: status = %d, want 200", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/patients/"+p.MRN, "")
	if rec.Code != http.StatusOK {
		t.Errorf("by mrn: status = %d, want 200", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/patients/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", rec.Code)
	}
}

func TestHandlerUpdate(t *testing.T) {
	e, repo := newTestServer(t)

	svc := newTestService(repo)
	p, err := svc.Create(context.Background(), CreateInput{FirstName: "Asha", LastName: "Varma"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(e, http.MethodPut, "/api/v1/patients/"+p.ID.String(), `{"last_name": "Menon"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.LastName != "Menon" || got.FirstName != "Asha" {
		t.Errorf("patient = %+v, want partial update", got)
	}

	rec = doJSON(e, http.MethodPut, "/api/v1/patients/"+uuid.NewString(), `{"last_name": "Menon"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient: status = %d, want 404", rec.Code)
	}
}

func TestHandlerList(t *testing.T) {
	e, repo := newTestServer(t)

	svc := newTestService(repo)
	for _, name := range []string{"Asha", "Ravi"} {
		if _, err := svc.Create(context.Background(), CreateInput{FirstName: name, LastName: "Varma"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/patients?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp pagination.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
}
