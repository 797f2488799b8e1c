package routes

import (
	"net/http"
	"sort"

	"pdfchat-platform/utils"

	"github.com/gin-gonic/gin"
)

func SetupHealthRoutes(router *gin.Engine, deps *Dependencies) {
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := utils.WithPingTimeout(c.Request.Context())
		defer cancel()

		names := make([]string, 0, len(deps.Checks))
		for name := range deps.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		checks := gin.H{}
		healthy := true
		for _, name := range names {
			if err := deps.Checks[name](ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	})
}
