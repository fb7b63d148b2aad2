package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/store"
)

// SessionPrincipal is the identity carried by a validated session token.
type SessionPrincipal struct {
	UserID string
	Email  string
}

// AuthService authenticates interactive users: password login and stateless
// JWT session tokens.
type AuthService struct {
	store     *store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewAuthService creates an AuthService.
func NewAuthService(st *store.Store, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	if jwtExpiry <= 0 {
		jwtExpiry = 24 * time.Hour
	}
	return &AuthService{
		store:     st,
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
	}
}

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login verifies the email/password pair and issues a session token. The
// last-login timestamp update is best-effort.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("look up user: %w", err)
	}
	if !user.IsActive {
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.IssueJWT(user.ID, user.Email)
	if err != nil {
		return nil, "", err
	}

	_ = s.store.UpdateUserLastLogin(ctx, user.ID)

	return user, token, nil
}

// IssueJWT creates a new signed session token for the given user.
func (s *AuthService) IssueJWT(userID, email string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			Issuer:    "magnet",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies a session token and returns the embedded identity.
func (s *AuthService) ValidateJWT(tokenStr string) (*SessionPrincipal, error) {
	claims := &sessionClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &SessionPrincipal{UserID: claims.UserID, Email: claims.Email}, nil
}

// TokenTTL returns the configured session lifetime.
func (s *AuthService) TokenTTL() time.Duration {
	return s.jwtExpiry
}

type sessionClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}
