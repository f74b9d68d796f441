package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
	"github.com/vacerde/qBridge/pkg/config"
	"github.com/vacerde/qBridge/pkg/crypto"
	jwtpkg "github.com/vacerde/qBridge/pkg/jwt"
)

// ErrInvalidCredentials hides whether the email or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

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

// Token carries an issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, username, password string) (*domain.User, Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || !strings.Contains(email, "@") {
		return nil, Token{}, fmt.Errorf("%w: valid email required", domain.ErrValidation)
	}
	if username == "" {
		return nil, Token{}, fmt.Errorf("%w: username required", domain.ErrValidation)
	}
	if len(password) < 8 {
		return nil, Token{}, fmt.Errorf("%w: password must be at least 8 characters", domain.ErrValidation)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, Token{}, err
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a fresh token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(user)
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
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, errors.New("account disabled")
	}
	return user, claims, nil
}

func (s Service) issueToken(user *domain.User) (Token, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.Email, user.Username, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
