package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
)

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrNoAccessToken      = errors.New("login response carried no access token")
)

// Authenticator is the public, unauthenticated part of the remote API.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (models.TokenPair, error)
	Register(ctx context.Context, username, password string) error
}

// Service runs login, registration and logout against the token store.
type Service struct {
	api    Authenticator
	tokens *TokenStore
	bus    *events.Bus
	log    *zap.Logger
}

func NewService(api Authenticator, tokens *TokenStore, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{api: api, tokens: tokens, bus: bus, log: logger.OrNop(log).Named("auth")}
}

// Login exchanges a username and password for a session.
func (s *Service) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}
	pair, err := s.api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if pair.Access == "" {
		return ErrNoAccessToken
	}
	s.tokens.Set(ctx, models.Credentials{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		Username:     username,
	})
	s.log.Info("logged in", zap.String("username", username))
	return nil
}

// Register creates the account and then logs in with it.
func (s *Service) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}
	if err := s.api.Register(ctx, username, password); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return s.Login(ctx, username, password)
}

// Logout drops the session locally. The remote API keeps no session state.
func (s *Service) Logout(ctx context.Context) {
	creds, _ := s.tokens.Get(ctx)
	s.tokens.Clear(ctx)
	s.bus.Publish(events.Event{Type: events.LoggedOut, Username: creds.Username})
	s.log.Info("logged out", zap.String("username", creds.Username))
}

// Session reports the signed-in user, if any.
func (s *Service) Session(ctx context.Context) (string, bool) {
	creds, ok := s.tokens.Get(ctx)
	return creds.Username, ok
}
