package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/wisund/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticToken(t *testing.T) {
	testlog.Start(t)
	if err := StaticToken("s3cret").Validate("s3cret"); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if err := StaticToken("s3cret").Validate("nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := StaticToken("").Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token must never validate")
	}
}

func TestRequireToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tool", RequireToken(StaticToken("s3cret")), func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "missing", target: "/tool", want: http.StatusUnauthorized},
		{name: "bearer", target: "/tool", header: "Bearer s3cret", want: http.StatusOK},
		{name: "query", target: "/tool?token=s3cret", want: http.StatusOK},
		{name: "wrong", target: "/tool", header: "Bearer nope", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, rr.Code, tc.want)
		}
	}
}
