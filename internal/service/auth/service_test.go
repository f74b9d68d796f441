package auth

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
	"github.com/vacerde/qBridge/pkg/config"
)

type stubUserRepo struct {
	byEmail map[string]*domain.User
	byID    map[string]*domain.User
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{byEmail: map[string]*domain.User{}, byID: map[string]*domain.User{}}
}

func (r *stubUserRepo) CreateUser(_ context.Context, user *domain.User) error {
	if _, ok := r.byEmail[user.Email]; ok {
		return domain.ErrConflict
	}
	r.byEmail[user.Email] = user
	r.byID[user.ID] = user
	return nil
}

func (r *stubUserRepo) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	user, ok := r.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func (r *stubUserRepo) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	user, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func newService(repo *stubUserRepo) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour}
	return New(repo, logger, cfg)
}

func TestSignupLoginAuthorizeRoundTrip(t *testing.T) {
	repo := newStubUserRepo()
	svc := newService(repo)
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "Dev@Example.com", "dev", "hunter2hunter2")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "dev@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if token.AccessToken == "" {
		t.Fatalf("no token issued")
	}

	loggedIn, token, err := svc.Login(ctx, "dev@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Fatalf("login returned different user")
	}

	authed, claims, err := svc.Authorize(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if authed.ID != user.ID || claims.UserID != user.ID {
		t.Fatalf("claims mismatch")
	}
	if claims.Email != "dev@example.com" || claims.Username != "dev" {
		t.Fatalf("identity claims missing: %+v", claims)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	repo := newStubUserRepo()
	svc := newService(repo)
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "dev@example.com", "dev", "hunter2hunter2"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	_, _, err := svc.Login(ctx, "dev@example.com", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want invalid credentials, got %v", err)
	}
	_, _, err = svc.Login(ctx, "nobody@example.com", "hunter2hunter2")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email should look like bad credentials, got %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	svc := newService(newStubUserRepo())
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "not-an-email", "dev", "hunter2hunter2"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad email: %v", err)
	}
	if _, _, err := svc.Signup(ctx, "dev@example.com", "dev", "short"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("short password: %v", err)
	}
}

func TestAuthorizeRejectsGarbage(t *testing.T) {
	svc := newService(newStubUserRepo())
	if _, _, err := svc.Authorize(context.Background(), "not.a.jwt"); err == nil {
		t.Fatalf("want error for malformed token")
	}
}
