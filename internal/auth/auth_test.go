package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/twallet/internal/db"
	"github.com/xtrntr/twallet/internal/models"
)

const testSecret = "test-secret"

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[string]*models.User{}}
}

func (m *memoryUsers) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, fmt.Errorf("duplicate username %q: %w", username, db.ErrDuplicate)
	}
	u := &models.User{ID: len(m.users) + 1, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.users[username] = u
	return u, nil
}

func (m *memoryUsers) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %q not found", username)
	}
	return u, nil
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		expectError error
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "EmptyUsername", username: "", password: "password123", expectError: ErrInvalidInput},
		{name: "EmptyPassword", username: "bob", password: "", expectError: ErrInvalidInput},
		{name: "DuplicateUsername", username: "alice", password: "newpass", expectError: ErrUsernameTaken},
		{name: "LongUsername", username: strings.Repeat("a", 151), password: "password123", expectError: ErrInvalidInput},
		{name: "LongPassword", username: "carol", password: strings.Repeat("p", 73), expectError: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := newMemoryUsers()
			s := NewAuthService(users, testSecret, time.Hour)
			ctx := context.Background()

			if tt.name == "DuplicateUsername" {
				_, err := s.Register(ctx, "alice", "password123")
				require.NoError(t, err)
			}

			user, err := s.Register(ctx, tt.username, tt.password)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.username, user.Username)

			stored, err := users.GetUserByUsername(ctx, tt.username)
			require.NoError(t, err)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(tt.password)))
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	s := NewAuthService(newMemoryUsers(), testSecret, time.Hour)
	_, err := s.Register(context.Background(), "alice", "password123")
	require.NoError(t, err)

	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "WrongPassword", username: "alice", password: "wrongpass", expectError: true},
		{name: "NonExistentUser", username: "bob", password: "password123", expectError: true},
		{name: "LongPassword", username: "alice", password: strings.Repeat("p", 1000), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(context.Background(), tt.username, tt.password)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
				return
			}
			require.NoError(t, err)

			parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
				return []byte(testSecret), nil
			})
			require.NoError(t, err)
			claims, ok := parsed.Claims.(jwt.MapClaims)
			require.True(t, ok)
			assert.Equal(t, "alice", claims["username"])
		})
	}
}

func TestAuthService_LoginWithoutSecret(t *testing.T) {
	s := NewAuthService(newMemoryUsers(), "", time.Hour)
	assert.False(t, s.Enabled())
	_, err := s.Login(context.Background(), "alice", "password123")
	assert.Error(t, err)
}

func TestAuthService_GetUsernameFromToken(t *testing.T) {
	s := NewAuthService(newMemoryUsers(), testSecret, time.Hour)
	_, err := s.Register(context.Background(), "alice", "password123")
	require.NoError(t, err)
	token, err := s.Login(context.Background(), "alice", "password123")
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "alice",
		"exp":      time.Now().Add(-time.Hour).Unix(),
	})
	expiredToken, _ := expired.SignedString([]byte(testSecret))

	valid := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	wrongKeyToken, _ := valid.SignedString([]byte("wrong-key"))

	noUsername := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	noUsernameToken, _ := noUsername.SignedString([]byte(testSecret))

	tests := []struct {
		name           string
		token          string
		expectUsername string
		expectError    bool
	}{
		{name: "Success", token: token, expectUsername: "alice"},
		{name: "ExpiredToken", token: expiredToken, expectError: true},
		{name: "InvalidSignature", token: wrongKeyToken, expectError: true},
		{name: "MissingUsername", token: noUsernameToken, expectError: true},
		{name: "EmptyToken", token: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			username, err := s.GetUsernameFromToken(tt.token)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUsername, username)
		})
	}
}
