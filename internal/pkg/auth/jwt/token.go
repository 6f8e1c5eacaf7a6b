package jwt

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// TokenIssuer identifies the issuer of the token.
const TokenIssuer = "recovery-community"

// ErrMissingSubject is returned for a validly signed token without a user id.
var ErrMissingSubject = errors.New("token has no user id")

// GenerateToken signs payload with HS256.
func GenerateToken(payload *Payload, secretKey string, duration time.Duration) (string, error) {
	now := time.Now()

	payload.StandardClaims = jwt.StandardClaims{
		ExpiresAt: now.Add(duration).Unix(),
		IssuedAt:  now.Unix(),
		Issuer:    TokenIssuer,
		Subject:   payload.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)

	return token.SignedString([]byte(secretKey))
}

// ParseToken verifies tokenString with secretKey and returns its claims.
func ParseToken(tokenString string, secretKey string) (*Payload, error) {
	claims := &Payload{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid or expired token")
	}

	claims.ID = strings.TrimSpace(claims.ID)
	if claims.ID == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}
