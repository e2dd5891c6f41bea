package handler

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"resume-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	ctxUserIDKey = "user_id"
	ctxRolesKey  = "roles"

	// RoleBilling - роль сервиса биллинга, которому разрешено пополнять счета.
	RoleBilling = "billing"
)

// Claims - claims токена доступа. Токены выпускает сервис авторизации.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier проверяет HS256 токены.
type JWTVerifier struct {
	secret []byte
	logger *zap.Logger
}

// NewJWTVerifier создает верификатор. Пустой секрет недопустим.
func NewJWTVerifier(secret string, logger *zap.Logger) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret), logger: logger.Named("JWTVerifier")}, nil
}

// Verify проверяет подпись и срок действия токена и возвращает claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", models.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: user_id missing", models.ErrUnauthorized)
	}
	return claims, nil
}

// AuthMiddleware проверяет bearer токен и, если заданы роли, наличие хотя бы одной из них.
func AuthMiddleware(verifier *JWTVerifier, requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		scheme, tokenString, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Unauthorized: missing or malformed token"})
			return
		}

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			verifier.logger.Warn("Token verification failed", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Unauthorized: invalid token"})
			return
		}

		if len(requiredRoles) > 0 && !slices.ContainsFunc(requiredRoles, func(role string) bool {
			return slices.Contains(claims.Roles, role)
		}) {
			verifier.logger.Warn("Insufficient permissions",
				zap.String("user_id", claims.UserID),
				zap.Strings("roles", claims.Roles),
				zap.Strings("required_roles", requiredRoles),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, APIError{Message: "Forbidden: insufficient permissions"})
			return
		}

		c.Set(ctxUserIDKey, claims.UserID)
		c.Set(ctxRolesKey, claims.Roles)
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) (string, error) {
	userID := c.GetString(ctxUserIDKey)
	if userID == "" {
		return "", models.ErrUnauthorized
	}
	return userID, nil
}
