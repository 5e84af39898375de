package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/crypto"
	jwtpkg "github.com/splax/localvercel/pkg/jwt"
)

var (
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Token is a signed access token and its lifetime.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
	ExpiresAt   time.Time
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, Token{}, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, Token{}, ErrEmailTaken
		}
		return nil, Token{}, err
	}
	token, err := s.issue(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issue(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, ErrUnauthorized
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) issue(user *domain.User) (Token, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.Email, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{
		AccessToken: access,
		ExpiresIn:   s.cfg.AccessTokenTTL,
		ExpiresAt:   time.Now().Add(s.cfg.AccessTokenTTL).UTC(),
	}, nil
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", ErrInvalidEmail
	}
	return trimmed, nil
}
