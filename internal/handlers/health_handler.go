package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger reports backing store reachability.
type Pinger interface {
	Ping() error
}

// Health handles GET /health. The database is the only hard dependency;
// redis is a soft cache and never fails the check.
func Health(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
