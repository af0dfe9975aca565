package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/scenegraph-backend/internal/http/response"
	"github.com/yungbote/scenegraph-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

const headerCallerID = "X-Caller-Id"

const (
	CallerSourceJWT        = "jwt"
	CallerSourceUnverified = "jwt_unverified"
	CallerSourceHeader     = "header"
)

// CallerIdentity attaches the caller to the request context. A bearer
// token's sub claim wins over the X-Caller-Id header. With a secret the
// token must be a valid HS256 JWT; without one the claim is read as is,
// since authentication belongs to the gateway in front of this service.
func CallerIdentity(log *logger.Logger, secret string) gin.HandlerFunc {
	log = log.With("middleware", "CallerIdentity")
	key := []byte(secret)
	return func(c *gin.Context) {
		caller := ctxutil.Caller{}
		if tok := bearerToken(c); tok != "" {
			sub, source, err := subjectFromToken(tok, key)
			if err != nil {
				log.Debug("rejected bearer token", "error", err.Error())
				response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("invalid bearer token"))
				c.Abort()
				return
			}
			caller = ctxutil.Caller{ID: sub, Source: source}
		} else if id := strings.TrimSpace(c.GetHeader(headerCallerID)); id != "" {
			caller = ctxutil.Caller{ID: id, Source: CallerSourceHeader}
		}
		c.Request = c.Request.WithContext(ctxutil.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

func subjectFromToken(tok string, key []byte) (string, string, error) {
	claims := &jwt.RegisteredClaims{}
	source := CallerSourceJWT
	if len(key) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
			return "", "", err
		}
		source = CallerSourceUnverified
	} else {
		parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return "", "", err
		}
		if !parsed.Valid {
			return "", "", errors.New("token not valid")
		}
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", "", errors.New("token has no sub claim")
	}
	return sub, source, nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
