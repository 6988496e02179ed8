package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grandir66/sanoid-manager/internal/auth"
)

func testRouter(t *testing.T, jwtMgr *auth.JWTManager) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(jwtMgr))
		r.Get("/viewer", func(w http.ResponseWriter, _ *http.Request) { Ok(w, "viewer ok") })
		r.Group(func(r chi.Router) {
			r.Use(RequireRole("operator"))
			r.Get("/operator", func(w http.ResponseWriter, _ *http.Request) { Ok(w, "operator ok") })
		})
		r.Group(func(r chi.Router) {
			r.Use(RequireRole("admin"))
			r.Get("/admin", func(w http.ResponseWriter, _ *http.Request) { Ok(w, "admin ok") })
		})
	})
	return r
}

func bearerFor(t *testing.T, jwtMgr *auth.JWTManager, role string) string {
	t.Helper()
	token, err := jwtMgr.GenerateAccessToken(uuid.NewString(), "someone", role)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	jwtMgr, err := auth.NewJWTManagerGenerated("sanoid-manager", time.Minute)
	require.NoError(t, err)
	router := testRouter(t, jwtMgr)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage token":  "Bearer not-a-jwt",
		"empty bearer":   "Bearer ",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/viewer", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	jwtMgr, err := auth.NewJWTManagerGenerated("sanoid-manager", time.Minute)
	require.NoError(t, err)
	router := testRouter(t, jwtMgr)

	req := httptest.NewRequest(http.MethodGet, "/viewer", nil)
	req.Header.Set("Authorization", bearerFor(t, jwtMgr, "viewer"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":"viewer ok"}`, rec.Body.String())
}

func TestRoleHierarchy(t *testing.T) {
	jwtMgr, err := auth.NewJWTManagerGenerated("sanoid-manager", time.Minute)
	require.NoError(t, err)
	router := testRouter(t, jwtMgr)

	cases := []struct {
		role string
		path string
		want int
	}{
		{"viewer", "/viewer", http.StatusOK},
		{"viewer", "/operator", http.StatusForbidden},
		{"viewer", "/admin", http.StatusForbidden},
		{"operator", "/operator", http.StatusOK},
		{"operator", "/admin", http.StatusForbidden},
		{"admin", "/operator", http.StatusOK},
		{"admin", "/admin", http.StatusOK},
		{"intruder", "/viewer", http.StatusOK},
		{"intruder", "/operator", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.role+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.Header.Set("Authorization", bearerFor(t, jwtMgr, tc.role))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
