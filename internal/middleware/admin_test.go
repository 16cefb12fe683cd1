package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{
			name:       "valid key",
			configured: "secret-key",
			header:     "secret-key",
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong key",
			configured: "secret-key",
			header:     "other-key",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing header",
			configured: "secret-key",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty configured key denies everything",
			configured: "",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAdminMiddleware(tt.configured)

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			r := httptest.NewRequest(http.MethodPost, "/api/admin/transactions", nil)
			if tt.header != "" {
				r.Header.Set(adminKeyHeader, tt.header)
			}
			w := httptest.NewRecorder()

			m.Middleware(next).ServeHTTP(w, r)

			if w.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}
