package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/crypto"
	jwtpkg "github.com/splax/localvercel/pkg/jwt"
)

type memoryUsers struct {
	mu    sync.Mutex
	byID  map[string]domain.User
	email map[string]string
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byID: map[string]domain.User{}, email: map[string]string{}}
}

func (m *memoryUsers) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.email[user.Email]; ok {
		return repository.ErrConflict
	}
	m.byID[user.ID] = *user
	m.email[user.Email] = user.ID
	return nil
}

func (m *memoryUsers) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.email[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := m.byID[id]
	return &u, nil
}

func (m *memoryUsers) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func newService() Service {
	cfg := config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour}
	return New(newMemoryUsers(), slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestSignupLoginAuthorize(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "  Dev@Example.com ", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", user.Email)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, time.Hour, token.ExpiresIn)

	_, _, err = svc.Signup(ctx, "dev@example.com", "another-pass")
	assert.ErrorIs(t, err, ErrEmailTaken)

	loggedIn, token, err := svc.Login(ctx, "DEV@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)

	authed, claims, err := svc.Authorize(ctx, "  "+token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, authed.ID)
	assert.Equal(t, "dev@example.com", claims.Email)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	_, _, err := svc.Signup(ctx, "dev@example.com", "correct-horse")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "dev@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignupValidation(t *testing.T) {
	svc := newService()
	_, _, err := svc.Signup(context.Background(), "not-an-email", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, _, err = svc.Signup(context.Background(), "dev@example.com", "short")
	assert.ErrorIs(t, err, crypto.ErrPasswordTooShort)
}

func TestAuthorizeRejects(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _, err := svc.Authorize(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = svc.Authorize(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)

	orphan, err := jwtpkg.GenerateToken("ghost", "ghost@example.com", "test-secret", time.Hour)
	require.NoError(t, err)
	_, _, err = svc.Authorize(ctx, orphan)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
