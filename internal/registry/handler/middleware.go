package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sprintconnect/registry/internal/identity"
	"github.com/sprintconnect/registry/internal/registry/model"
)

const principalKey = "sprintconnect_principal"

// RequireAuth returns a middleware that verifies the bearer token and stores
// the resulting Principal in the request context. A nil verifier yields a
// no-op middleware for open/development mode.
func RequireAuth(verifier identity.Verifier) gin.HandlerFunc {
	if verifier == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		principal, err := verifier.Verify(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequirePermission aborts with 403 when the authenticated principal does not
// hold the permission. Requests without a principal (auth disabled) pass.
func RequirePermission(perm model.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFromCtx(c)
		if p != nil && !p.Can(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// PrincipalFromCtx returns the authenticated Principal, or nil when auth is
// disabled.
func PrincipalFromCtx(c *gin.Context) *identity.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*identity.Principal)
	return p
}
