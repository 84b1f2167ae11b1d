package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequireAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireAPIKey([]string{"k1", " k2 "}))
	r.GET("/me", func(c *gin.Context) {
		tenant, err := Tenant(c.Request.Context())
		if err != nil {
			t.Fatalf("tenant: %v", err)
		}
		c.String(http.StatusOK, tenant)
	})

	cases := []struct {
		header string
		status int
		body   string
	}{
		{"", http.StatusUnauthorized, ""},
		{"Basic k1", http.StatusUnauthorized, ""},
		{"Bearer nope", http.StatusUnauthorized, ""},
		{"Bearer k1", http.StatusOK, "k1"},
		{"Bearer k2", http.StatusOK, "k2"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		r.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.status, w.Code)
		}
		if tc.body != "" && w.Body.String() != tc.body {
			t.Fatalf("header %q: expected body %q, got %q", tc.header, tc.body, w.Body.String())
		}
	}
}
