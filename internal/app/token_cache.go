package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/tspclient"
)

const (
	tokenRefreshWindow  = 5 * time.Minute
	defaultTokenTTL     = 24 * time.Hour
	tokenAcquireTimeout = 30 * time.Second
)

// AuthClient is the unauthenticated part of the vendor API.
type AuthClient interface {
	Login(ctx context.Context, email, password string) (*tspclient.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*tspclient.TokenResponse, error)
}

// TokenStatus describes the token currently in use.
type TokenStatus struct {
	HasToken         bool       `json:"has_token"`
	TokenType        string     `json:"token_type,omitempty"`
	FIUID            *string    `json:"fiu_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ExpiresInSeconds int64      `json:"expires_in_seconds"`
	NeedsRefresh     bool       `json:"needs_refresh"`
}

// TokenCache hands out a valid vendor bearer token. Lookups go memory, then the
// active database row, then a fresh login. Concurrent callers share one in-flight
// login or refresh.
type TokenCache struct {
	repo     store.Repository
	auth     AuthClient
	email    string
	password string
	recorder *ErrorRecorder
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	cached *domain.TSPToken
}

func NewTokenCache(repo store.Repository, auth AuthClient, email, password string, recorder *ErrorRecorder, metrics *Metrics, logger *slog.Logger) *TokenCache {
	return &TokenCache{
		repo:     repo,
		auth:     auth,
		email:    strings.TrimSpace(email),
		password: password,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With("component", "token_cache"),
		now:      time.Now,
	}
}

// Token returns a bearer token that is valid for at least the refresh window.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok := c.fresh(); tok != nil {
		return tok.AccessToken, nil
	}
	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		return c.acquire(ctx, false)
	})
	if err != nil {
		return "", err
	}
	return v.(*domain.TSPToken).AccessToken, nil
}

// ForceRefresh discards the cached token and obtains a new one. It is called by the
// vendor client after a 401 or 403.
func (c *TokenCache) ForceRefresh(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("force", func() (interface{}, error) {
		return c.acquire(ctx, true)
	})
	if err != nil {
		return "", err
	}
	return v.(*domain.TSPToken).AccessToken, nil
}

// Login performs a fresh login regardless of any stored token.
func (c *TokenCache) Login(ctx context.Context) (*TokenStatus, error) {
	v, err, _ := c.group.Do("login", func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenAcquireTimeout)
		defer cancel()
		return c.login(opCtx)
	})
	if err != nil {
		return nil, err
	}
	return c.statusOf(v.(*domain.TSPToken)), nil
}

// Invalidate drops the in-memory token; the next call re-reads storage.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Status reports the active token without acquiring a new one.
func (c *TokenCache) Status(ctx context.Context) (*TokenStatus, error) {
	c.mu.RLock()
	tok := c.cached
	c.mu.RUnlock()
	if tok == nil {
		stored, err := c.repo.GetActiveToken(ctx)
		if err != nil {
			if errors.Is(err, store.ErrTokenNotFound) {
				return &TokenStatus{HasToken: false}, nil
			}
			return nil, err
		}
		tok = stored
	}
	return c.statusOf(tok), nil
}

func (c *TokenCache) statusOf(tok *domain.TSPToken) *TokenStatus {
	now := c.now()
	expiresAt := tok.ExpiresAt
	remaining := int64(expiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &TokenStatus{
		HasToken:         true,
		TokenType:        tok.TokenType,
		FIUID:            tok.FIUID,
		ExpiresAt:        &expiresAt,
		ExpiresInSeconds: remaining,
		NeedsRefresh:     tok.ExpiresWithin(now, tokenRefreshWindow),
	}
}

func (c *TokenCache) fresh() *domain.TSPToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil || c.cached.ExpiresWithin(c.now(), tokenRefreshWindow) {
		return nil
	}
	return c.cached
}

func (c *TokenCache) remember(tok *domain.TSPToken) {
	c.mu.Lock()
	c.cached = tok
	c.mu.Unlock()
}

// acquire runs inside the singleflight group. The shared call is detached from the
// first caller's cancellation so one abandoned request cannot fail the others.
func (c *TokenCache) acquire(ctx context.Context, force bool) (*domain.TSPToken, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenAcquireTimeout)
	defer cancel()

	if !force {
		if tok := c.fresh(); tok != nil {
			return tok, nil
		}
	}

	c.mu.RLock()
	current := c.cached
	c.mu.RUnlock()

	if current == nil || force {
		stored, err := c.repo.GetActiveToken(opCtx)
		switch {
		case err == nil:
			current = stored
		case errors.Is(err, store.ErrTokenNotFound):
		default:
			c.logger.Warn("failed to load stored token; falling back to login", "error", err)
		}
	}

	if current != nil && !force && !current.ExpiresWithin(c.now(), tokenRefreshWindow) {
		c.remember(current)
		return current, nil
	}

	if current != nil && current.RefreshToken != "" {
		refreshed, err := c.refresh(opCtx, current.RefreshToken)
		if err == nil {
			return refreshed, nil
		}
		c.logger.Warn("token refresh failed; falling back to login", "error", err)
	}

	return c.login(opCtx)
}

func (c *TokenCache) login(ctx context.Context) (*domain.TSPToken, error) {
	if c.email == "" || c.password == "" {
		svcErr := domain.NewServiceError(domain.ContextLogin, domain.CategoryAuthentication, "TSP credentials are not configured", nil)
		c.recorder.Record(ctx, svcErr, ErrorRefs{})
		return nil, svcErr
	}

	started := c.now()
	resp, err := c.auth.Login(ctx, c.email, c.password)
	c.metrics.observeVendorCall("login", started)
	c.metrics.observeToken("login", err)
	if err != nil {
		svcErr := authError(domain.ContextLogin, err)
		c.recorder.Record(ctx, svcErr, ErrorRefs{})
		return nil, svcErr
	}
	return c.persist(ctx, resp, "")
}

func (c *TokenCache) refresh(ctx context.Context, refreshToken string) (*domain.TSPToken, error) {
	started := c.now()
	resp, err := c.auth.Refresh(ctx, refreshToken)
	c.metrics.observeVendorCall("refresh", started)
	c.metrics.observeToken("refresh", err)
	if err != nil {
		svcErr := authError(domain.ContextRefreshToken, err)
		c.recorder.Record(ctx, svcErr, ErrorRefs{})
		return nil, svcErr
	}
	return c.persist(ctx, resp, refreshToken)
}

// persist stores a newly issued token as the single active row. A storage failure
// is logged; the token is still usable from memory.
func (c *TokenCache) persist(ctx context.Context, resp *tspclient.TokenResponse, previousRefresh string) (*domain.TSPToken, error) {
	if strings.TrimSpace(resp.AccessToken) == "" {
		svcErr := domain.NewServiceError(domain.ContextLogin, domain.CategoryAAResponseValidation, "token response has no access_token", nil)
		c.recorder.Record(ctx, svcErr, ErrorRefs{})
		return nil, svcErr
	}

	tok := &domain.TSPToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresAt:    tokenExpiry(resp.AccessToken, c.now()),
		IsActive:     true,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = previousRefresh
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if resp.FIUID != "" {
		fiuID := resp.FIUID
		tok.FIUID = &fiuID
	}

	if err := c.repo.ReplaceActiveToken(ctx, tok); err != nil {
		c.logger.Error("failed to persist tsp token", "error", err)
	}
	c.remember(tok)
	c.logger.Info("tsp token acquired", "expires_at", tok.ExpiresAt)
	return tok, nil
}

// tokenExpiry reads the unverified exp claim, defaulting to 24h.
func tokenExpiry(accessToken string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(defaultTokenTTL)
}

func authError(errCtx domain.ErrorContext, err error) *domain.ServiceError {
	status := tspclient.StatusCode(err)
	category := domain.CategoryInfraNetwork
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		category = domain.CategoryAuthentication
	}
	svcErr := domain.NewServiceError(errCtx, category, "tsp authentication failed", err)
	svcErr.HTTPStatus = status
	return svcErr
}
