// Package auth issues and verifies the bearer tokens that gate the admin
// surface. A single operator credential pair is configured at startup;
// successful login yields a short-lived RS256 JWT signed with an ephemeral
// key pair generated at boot. Agent-protocol authentication is separate and
// lives in the API middleware.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// accessTokenDuration is how long an access token remains valid.
	accessTokenDuration = 12 * time.Hour

	// rsaKeyBits is the RSA key size used for JWT signing.
	rsaKeyBits = 2048
)

// Claims holds the custom JWT claims embedded in every access token.
// Standard claims (exp, iat, iss) come via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// Username of the authenticated operator.
	Username string `json:"username"`
}

// Manager signs and verifies access tokens and checks the operator
// credentials. The RSA key pair is generated at construction and never
// persisted, so all tokens are invalidated on restart.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string

	adminUsername string
	adminPassword string
}

// NewManager creates a Manager with a freshly generated key pair.
// adminPassword may be either a plain string or a bcrypt hash; hashes are
// recognized by their "$2" prefix and compared with bcrypt, anything else is
// compared in constant time.
func NewManager(issuer, adminUsername, adminPassword string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}

	return &Manager{
		privateKey:    privateKey,
		publicKey:     &privateKey.PublicKey,
		issuer:        issuer,
		adminUsername: adminUsername,
		adminPassword: adminPassword,
	}, nil
}

// CheckCredentials verifies an operator login attempt.
// Returns ErrBadCredentials on any mismatch.
func (m *Manager) CheckCredentials(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.adminUsername)) == 1

	var passOK bool
	if strings.HasPrefix(m.adminPassword, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(m.adminPassword), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(m.adminPassword)) == 1
	}

	if !userOK || !passOK {
		return ErrBadCredentials
	}
	return nil
}

// GenerateAccessToken creates a signed RS256 JWT for the given operator.
func (m *Manager) GenerateAccessToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
			ID:        uuid.NewString(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies a JWT string. Callers use
// errors.Is(err, auth.ErrTokenExpired) to distinguish expired tokens from
// tampered or malformed ones.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but RS256 to block alg confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
