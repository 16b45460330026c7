package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vstride/vstride-bridge/internal/config"
	"github.com/vstride/vstride-bridge/pkg/crypto"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("login disabled")
	ErrInvalidToken       = errors.New("invalid token")
)

// JWTManager manages JWT tokens
type JWTManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		now:    time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Operator string    `json:"operator"`
	RunID    uuid.UUID `json:"run_id"`
}

// GenerateToken issues an access token for operator, scoped to one run.
func (m *JWTManager) GenerateToken(operator string, runID uuid.UUID) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.config.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.New().String(),
		},
		Operator: operator,
		RunID:    runID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticator checks the single operator account.
type Authenticator struct {
	user         string
	passwordHash string
}

// NewAuthenticator creates an authenticator. An empty hash disables login.
func NewAuthenticator(user, passwordHash string) *Authenticator {
	return &Authenticator{user: user, passwordHash: passwordHash}
}

// Enabled reports whether a password hash is configured.
func (a *Authenticator) Enabled() bool {
	return a.passwordHash != ""
}

// Login checks user and password.
func (a *Authenticator) Login(user, password string) error {
	if !a.Enabled() {
		return ErrLoginDisabled
	}
	userOK := crypto.EqualString(user, a.user)
	passOK := crypto.VerifyPassword(password, a.passwordHash)
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}
