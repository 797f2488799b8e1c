package middleware

import (
	"errors"
	"net/http"

	"pdfchat-platform/internal/auth"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/utils"

	"github.com/gin-gonic/gin"
)

type AuthMiddleware struct {
	verifier *auth.Verifier
}

func NewAuthMiddleware(verifier *auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get access token from Authorization header
		tokenString := auth.ExtractTokenFromHeader(c.GetHeader("Authorization"))

		// If no header token, try access_token cookie
		if tokenString == "" {
			if cookie, err := c.Cookie("access_token"); err == nil {
				tokenString = cookie
			}
		}

		if tokenString == "" {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			c.Abort()
			return
		}

		claims, err := a.verifier.Verify(c.Request.Context(), tokenString)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrRevokedToken):
				utils.RespondWithError(c, http.StatusUnauthorized, "token_revoked", "Your session has ended. Please log in again.", nil)
			case errors.Is(err, auth.ErrInvalidToken):
				utils.RespondWithError(c, http.StatusUnauthorized, "session_expired", "Your session has expired. Please log in again.", nil)
			default:
				logger.Error("Token verification failed", "request_id", GetRequestID(c), "error", err)
				utils.RespondWithInternalError(c, "Could not verify session", nil)
			}
			c.Abort()
			return
		}

		// Store user info in context
		c.Set("user_id", claims.UserID)
		c.Set("claims", claims)

		c.Next()
	}
}

// Helper function to get user ID from context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get("user_id"); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}
