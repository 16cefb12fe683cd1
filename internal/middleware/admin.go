package middleware

import (
	"crypto/hmac"
	"net/http"
)

const adminKeyHeader = "X-Admin-Key"

// AdminMiddleware проверяет ключ операторского API в заголовке запроса.
type AdminMiddleware struct {
	key []byte
}

// NewAdminMiddleware создаёт middleware операторского API. Пустой ключ
// запрещает доступ ко всем операторским маршрутам.
func NewAdminMiddleware(key string) *AdminMiddleware {
	return &AdminMiddleware{key: []byte(key)}
}

// Middleware пропускает запрос дальше только при совпадении ключа.
func (a *AdminMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(adminKeyHeader))
		if len(a.key) == 0 || !hmac.Equal(got, a.key) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
