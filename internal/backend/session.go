// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/mycelio/chamberlink/internal/config"
)

// ErrTokenExpired marks a pre-issued static token whose expiry has passed.
// There is no way to refresh a static token, so callers must treat this as
// permanent and stop retrying the channel.
var ErrTokenExpired = errors.New("backend: static token expired")

// session owns the access token for the backend channel. In static mode it
// only validates expiry; in credential mode it logs in and refreshes the
// token pair before each expiry.
type session struct {
	cfg  config.BackendConfig
	http *http.Client
	log  zerolog.Logger
	now  func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

func newSession(cfg config.BackendConfig, client *http.Client, log zerolog.Logger) *session {
	return &session{
		cfg:  cfg,
		http: client,
		log:  log,
		now:  time.Now,
	}
}

// token returns a bearer token valid for at least the refresh margin,
// logging in or refreshing as needed.
func (s *session) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.StaticToken != "" {
		exp, err := tokenExpiry(s.cfg.StaticToken)
		if err != nil {
			return "", fmt.Errorf("backend: parse static token: %w", err)
		}
		if !exp.IsZero() && !s.now().Before(exp) {
			return "", ErrTokenExpired
		}
		return s.cfg.StaticToken, nil
	}

	if s.accessToken != "" && s.now().Before(s.expiresAt.Add(-s.cfg.RefreshMargin)) {
		return s.accessToken, nil
	}

	if s.refreshToken != "" {
		err := s.refreshLocked(ctx)
		if err == nil {
			return s.accessToken, nil
		}
		s.log.Warn().Err(err).Msg("token refresh failed, retrying full login")
	}

	if err := s.loginLocked(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

// invalidate drops the cached access token so the next call re-auths.
// Called after a 401 from the API.
func (s *session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.expiresAt = time.Time{}
}

// logout revokes the refresh token server-side and forgets the session.
// No-op in static mode; a pre-issued token is operator-managed.
func (s *session) logout(ctx context.Context) error {
	s.mu.Lock()
	token := s.refreshToken
	s.accessToken = ""
	s.refreshToken = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	if s.cfg.StaticToken != "" || token == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+"/api/v1/auth/logout", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: logout: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("backend: logout: status %d", resp.StatusCode)
	}
	return nil
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *session) loginLocked(ctx context.Context) error {
	body := map[string]string{
		"email":    s.cfg.Email,
		"password": s.cfg.Password,
	}
	pair, err := s.postAuth(ctx, "/api/v1/auth/login", body)
	if err != nil {
		return fmt.Errorf("backend: login: %w", err)
	}
	if err := s.adoptLocked(pair); err != nil {
		return err
	}
	s.log.Info().Time("expires_at", s.expiresAt).Msg("backend session established")
	return nil
}

func (s *session) refreshLocked(ctx context.Context) error {
	body := map[string]string{
		"refresh_token": s.refreshToken,
	}
	pair, err := s.postAuth(ctx, "/api/v1/auth/refresh", body)
	if err != nil {
		return fmt.Errorf("backend: refresh: %w", err)
	}
	if err := s.adoptLocked(pair); err != nil {
		return err
	}
	s.log.Debug().Time("expires_at", s.expiresAt).Msg("backend session refreshed")
	return nil
}

func (s *session) adoptLocked(pair *tokenPair) error {
	exp, err := tokenExpiry(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("backend: parse access token: %w", err)
	}

	s.accessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		s.refreshToken = pair.RefreshToken
	}
	s.expiresAt = exp
	return nil
}

func (s *session) postAuth(ctx context.Context, path string, body any) (*tokenPair, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &pair, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// gateway is the token's holder, not its audience; it only needs the
// expiry to schedule refreshes.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
