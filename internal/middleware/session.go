package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// LoginChecker confirms a student token is still the active login.
type LoginChecker interface {
	ValidateStudentLogin(ctx context.Context, studentID int, jti string) error
}

// CheckSingleDeviceLogin validates the JWT's JTI against the active login in Redis.
// If the JTI doesn't match, the request is rejected (the login was reset by admin
// or replaced after logout).
func CheckSingleDeviceLogin(auth LoginChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		// Only enforce for student tokens.
		if claims.TokenType != service.TokenTypeStudent {
			c.Next()
			return
		}

		if err := auth.ValidateStudentLogin(c.Request.Context(), claims.UserID, claims.ID); err != nil {
			if errors.Is(err, service.ErrLoginInvalidated) {
				response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
				return
			}
			zerolog.Ctx(c.Request.Context()).Error().Err(err).Int("student_id", claims.UserID).Msg("Login check failed")
			response.AbortFail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
			return
		}

		c.Next()
	}
}
