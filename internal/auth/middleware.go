package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

type ctxKey int

const claimsKey ctxKey = 1

const ginClaimsKey = "auth.claims"

func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// OptionalClaims verifies a bearer token when one is sent and stores its
// claims on the request. Requests without a token, or with a bad one,
// continue anonymously; the query surface is read-only.
func OptionalClaims(j JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" || len(j.Secret) == 0 {
			c.Next()
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			c.Next()
			return
		}
		c.Set(ginClaimsKey, claims)
		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// GinClaims reads claims stored by OptionalClaims.
func GinClaims(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(ginClaimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
