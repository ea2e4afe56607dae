package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"call-coordinator/internal/auth"

	"github.com/gin-gonic/gin"
)

func withIdentity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(t *testing.T, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	chain = append(chain, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", chain...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, withIdentity("u", RoleSuperAdmin), RequireIdentity(), RequireAnyRole(RoleAdmin)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ParticipantDeniedAdmin(t *testing.T) {
	if code := serve(t, withIdentity("u", RoleCaller), RequireIdentity(), RequireAnyRole(RoleAdmin)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	if code := serve(t, withIdentity("u", RoleStreamer), RequireIdentity(), RequireAnyRole(ParticipantRoles()...)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireIdentity_UserRequired(t *testing.T) {
	if code := serve(t, withIdentity("", RoleCaller), RequireIdentity(), RequireAnyRole(RoleCaller)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
