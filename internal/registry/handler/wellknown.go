package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sprintconnect/registry/internal/identity"
)

// signingKeyID is the key id published for the registry's own signing key.
const signingKeyID = "sprintconnect-signing-key-1"

// RegisterWellKnown mounts the JWKS endpoint so external verifiers can
// validate tokens issued by this registry. No-op when no issuer is
// configured.
func RegisterWellKnown(engine *gin.Engine, tokens *identity.TokenIssuer) {
	if tokens == nil {
		return
	}
	engine.GET("/.well-known/jwks.json", func(c *gin.Context) {
		c.JSON(http.StatusOK, identity.PublicJWKS(tokens.PublicKey(), signingKeyID))
	})
}
