package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xtrntr/twallet/internal/db"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxUsernameLength = 150
	// bcrypt ignores everything past 72 bytes
	maxPasswordLength = 72
)

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput is returned when a username or password is rejected
	ErrInvalidInput = errors.New("invalid input")
	// ErrUsernameTaken is returned when registering an existing username
	ErrUsernameTaken = errors.New("username already taken")
)

// UserStore persists registered users
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuthService handles user registration and token issuance
type AuthService struct {
	Users    UserStore
	Secret   []byte
	TokenTTL time.Duration
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{Users: users, Secret: []byte(secret), TokenTTL: ttl}
}

// Enabled reports whether a signing secret is configured
func (s *AuthService) Enabled() bool {
	return len(s.Secret) > 0
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > maxUsernameLength {
		return nil, fmt.Errorf("%w: username too long (max %d characters)", ErrInvalidInput, maxUsernameLength)
	}
	if len(password) > maxPasswordLength {
		return nil, fmt.Errorf("%w: password too long (max %d bytes)", ErrInvalidInput, maxPasswordLength)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.Users.CreateUser(ctx, username, string(hashedPassword))
	if errors.Is(err, db.ErrDuplicate) {
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("token signing is not configured")
	}
	if len(password) > maxPasswordLength {
		return "", ErrInvalidCredentials
	}

	user, err := s.Users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(s.TokenTTL).Unix(),
	})
	tokenString, err := token.SignedString(s.Secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUsernameFromToken validates a JWT and returns its username claim
func (s *AuthService) GetUsernameFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	username, ok := claims["username"].(string)
	if !ok || username == "" {
		return "", fmt.Errorf("token has no username claim")
	}
	return username, nil
}
