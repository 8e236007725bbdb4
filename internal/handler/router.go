package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// NewRouter creates the gin engine with recovery and CORS.
// Forwarding headers are honored only from trustedProxies; with none, the client IP is the socket peer.
func NewRouter(mode string, trustedProxies []string) (*gin.Engine, error) {
	gin.SetMode(mode)
	router := gin.New()
	router.Use(gin.Recovery())

	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	return router, nil
}
