// ABOUTME: JWT actor token verification and minting
// ABOUTME: HS256 tokens carry the actor id, company and role

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// Role is what an actor may do within its company.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Actor is the verified identity behind a request.
type Actor struct {
	ID        string
	CompanyID string
	Role      Role
}

// CanSupervise reports whether the actor may reassign conversations and
// manage campaigns.
func (a *Actor) CanSupervise() bool {
	return a.Role == RoleSupervisor || a.Role == RoleAdmin
}

// Claims is the JWT body of an actor token.
type Claims struct {
	jwt.RegisteredClaims
	CompanyID string `json:"company"`
	Role      Role   `json:"role"`
}

// TokenVerifier verifies actor tokens.
type TokenVerifier interface {
	Verify(tokenString string) (*Actor, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns the actor it names.
func (v *JWTVerifier) Verify(tokenString string) (*Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	switch {
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	case claims.CompanyID == "":
		return nil, fmt.Errorf("%w: company", ErrMissingClaim)
	case !claims.Role.Valid():
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	return &Actor{ID: claims.Subject, CompanyID: claims.CompanyID, Role: claims.Role}, nil
}

// Generate mints a token for actor that expires after expiresIn.
func (v *JWTVerifier) Generate(actor Actor, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
		CompanyID: actor.CompanyID,
		Role:      actor.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
