// Package auth issues and validates the backend's bearer tokens and keeps
// the user registry.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 14 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrWrongUse     = errors.New("auth: token used for wrong purpose")
)

// Claims is the token payload. Use discriminates access from refresh tokens
// so one cannot stand in for the other.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Use  string `json:"use"` // "access" or "refresh"
}

// Issuer signs and validates HMAC tokens for one deployment.
type Issuer struct {
	secret []byte
	issuer string
}

func NewIssuer(secret []byte, issuer string) *Issuer {
	return &Issuer{secret: secret, issuer: issuer}
}

// AccessToken mints a short-lived access token for the user.
func (i *Issuer) AccessToken(userID, name string) (string, error) {
	return i.sign(userID, name, "access", accessTTL)
}

// RefreshToken mints a long-lived refresh token for the user.
func (i *Issuer) RefreshToken(userID, name string) (string, error) {
	return i.sign(userID, name, "refresh", refreshTTL)
}

func (i *Issuer) sign(userID, name, use string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
		Use:  use,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ValidateAccess parses and verifies an access token.
func (i *Issuer) ValidateAccess(tokenString string) (*Claims, error) {
	return i.validate(tokenString, "access")
}

// ValidateRefresh parses and verifies a refresh token.
func (i *Issuer) ValidateRefresh(tokenString string) (*Claims, error) {
	return i.validate(tokenString, "refresh")
}

func (i *Issuer) validate(tokenString, use string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Use != use {
		return nil, ErrWrongUse
	}
	return claims, nil
}
