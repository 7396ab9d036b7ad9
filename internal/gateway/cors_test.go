package gateway_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/gateway"
)

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_PreflightHeaders(t *testing.T) {
	h := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://operator.example"},
		AllowedMethods: []string{"GET", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "lock-id"},
		MaxAge:         7200,
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the route")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/plugin", nil)
	req.Header.Set("Origin", "https://operator.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":  "https://operator.example",
		"Access-Control-Allow-Methods": "GET, DELETE",
		"Access-Control-Allow-Headers": "Content-Type, lock-id",
		"Access-Control-Max-Age":       "7200",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CORSConfig
		origin  string
		allowed bool
	}{
		{name: "listed", cfg: config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.example"}}, origin: "https://a.example", allowed: true},
		{name: "unlisted", cfg: config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.example"}}, origin: "https://b.example"},
		{name: "wildcard", cfg: config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}, origin: "https://b.example", allowed: true},
		{name: "disabled", cfg: config.CORSConfig{AllowedOrigins: []string{"*"}}, origin: "https://b.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := gateway.NewCORSMiddleware(tt.cfg)(okHandler(t))
			req := httptest.NewRequest(http.MethodGet, "/api", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed && got != tt.origin {
				t.Fatalf("allow-origin = %q, want %q", got, tt.origin)
			}
			if !tt.allowed && got != "" {
				t.Fatalf("allow-origin = %q, want none", got)
			}
		})
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	h := gateway.RequestSizeLimitMiddleware(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			http.Error(w, strconv.FormatInt(n, 10), http.StatusRequestEntityTooLarge)
			return
		}
		w.Write([]byte(strconv.FormatInt(n, 10)))
	}))

	for _, tt := range []struct {
		size int
		want int
	}{
		{size: 5, want: http.StatusOK},
		{size: 100, want: http.StatusOK},
		{size: 200, want: http.StatusRequestEntityTooLarge},
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/sig", strings.NewReader(strings.Repeat("x", tt.size)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("body of %d bytes: status = %d, want %d", tt.size, rec.Code, tt.want)
		}
	}
}
