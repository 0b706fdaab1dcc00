package transport

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("transport: invalid token")

// Identity is the authenticated principal carried by a socket token.
type Identity struct {
	UserID   string
	Username string
}

// MintToken signs an HS256 token for userID. Used by the guest endpoint
// and by tests.
func MintToken(userID, username string, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"userId":   userID,
		"username": username,
		"exp":      time.Now().Add(ttl).Unix(),
		"iss":      "chessarena",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies an HS256 token and extracts the identity claims.
func ParseToken(tokenStr string, secret []byte) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	userID, _ := claims["userId"].(string)
	if userID == "" {
		return nil, ErrInvalidToken
	}
	username, _ := claims["username"].(string)
	if username == "" {
		username = userID
	}
	return &Identity{UserID: userID, Username: username}, nil
}
