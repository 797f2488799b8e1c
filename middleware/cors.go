package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS admits the configured browser origins. "*" admits any origin but
// still echoes it back, since credentialed requests reject a literal
// wildcard. With no origins configured only same-origin callers get through.
func CORS(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "Last-Event-ID", RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	var allowed []string
	wildcard := false
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
		case o == "*":
			wildcard = true
		default:
			allowed = append(allowed, o)
		}
	}

	switch {
	case wildcard:
		config.AllowOriginFunc = func(string) bool { return true }
	case len(allowed) == 0:
		config.AllowOriginFunc = func(string) bool { return false }
	default:
		config.AllowOrigins = allowed
	}
	return cors.New(config)
}
