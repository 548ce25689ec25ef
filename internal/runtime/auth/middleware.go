package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drblury/rpcflow/internal/runtime/jsoncodec"
)

func httpRejection(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return &HTTPError{StatusCode: StatusUnauthorized, Message: Unknown.Message(), Kind: Unknown}
}

// GinMiddleware guards a gin route. Authenticated requests carry the claims
// in their context and under UserKey in the gin context.
func GinMiddleware(guard *Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := HTTPRequest(c.Request)
		if err := guard.Authenticate(req); err != nil {
			rejection := httpRejection(err)
			c.AbortWithStatusJSON(rejection.StatusCode, rejection.Body())
			return
		}
		c.Request = req.HTTP()
		if claims, ok := ClaimsFromContext(c.Request.Context()); ok {
			c.Set(UserKey, claims)
		}
		c.Next()
	}
}

// Middleware guards a net/http handler.
func Middleware(guard *Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := HTTPRequest(r)
			if err := guard.Authenticate(req); err != nil {
				rejection := httpRejection(err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(rejection.StatusCode)
				_ = jsoncodec.Encode(w, rejection.Body())
				return
			}
			next.ServeHTTP(w, req.HTTP())
		})
	}
}
