package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/klinikhub/clinic-core-api/internal/middleware"
	"github.com/klinikhub/clinic-core-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// tenantFromContext returns the authenticated tenant, empty when the route
// is unauthenticated.
func tenantFromContext(c *gin.Context) string {
	claims := claimsFromContext(c)
	if claims == nil {
		return ""
	}
	return claims.TenantID
}
