package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/cloudlink/internal/credential"
	"github.com/tonimelisma/cloudlink/internal/flight"
	"github.com/tonimelisma/cloudlink/internal/metrics"
	"github.com/tonimelisma/cloudlink/internal/tokenfile"
)

// DefaultMinRefreshInterval is the minimum spacing between two refresh
// attempts for the same scope set.
const DefaultMinRefreshInterval = time.Second

// Config tunes a Coordinator. The zero value is usable.
type Config struct {
	// Scopes used by AccessToken and Token. Empty means the store's scopes.
	Scopes []string
	// MinRefreshInterval spaces refreshes per scope set. Zero means
	// DefaultMinRefreshInterval; negative disables spacing.
	MinRefreshInterval time.Duration
	// CacheDir enables the on-disk token cache when non-empty.
	CacheDir   string
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Coordinator hands out cached access tokens and refreshes them through a
// credential.Store. Safe for concurrent use.
type Coordinator struct {
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	scopes      []string
	minInterval time.Duration
	cacheDir    string

	flights flight.Group[string, AccessToken]

	mu         sync.Mutex
	store      *credential.Store
	generation uint64
	cache      map[string]AccessToken
	limiters   map[string]*rate.Limiter
	closed     bool

	// nowFunc and sleepFunc are replaced in tests to control time.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a Coordinator that signs assertions with store.
// The coordinator takes ownership of store and closes it on Rotate or Close.
func NewCoordinator(store *credential.Store, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	minInterval := cfg.MinRefreshInterval
	if minInterval == 0 {
		minInterval = DefaultMinRefreshInterval
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = store.Identity().Scopes
	}

	return &Coordinator{
		httpClient:  httpClient,
		logger:      logger,
		metrics:     cfg.Metrics,
		scopes:      normalizeScopes(scopes),
		minInterval: minInterval,
		cacheDir:    cfg.CacheDir,
		store:       store,
		cache:       make(map[string]AccessToken),
		limiters:    make(map[string]*rate.Limiter),
		nowFunc:     time.Now,
		sleepFunc:   timeSleep,
	}
}

// Token returns the current bearer token value for the default scopes.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	return tok.Value, nil
}

// AuthorizationHeader returns the Authorization header value for the
// default scopes, using the token type the endpoint issued.
func (c *Coordinator) AuthorizationHeader(ctx context.Context) (string, error) {
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	return tok.Header(), nil
}

// AccessToken returns a valid token for the default scopes, refreshing it
// if the cached one is missing or stale.
func (c *Coordinator) AccessToken(ctx context.Context) (AccessToken, error) {
	return c.accessToken(ctx, c.scopes)
}

// AccessTokenForScopes is AccessToken for an explicit scope set.
func (c *Coordinator) AccessTokenForScopes(ctx context.Context, scopes []string) (AccessToken, error) {
	return c.accessToken(ctx, normalizeScopes(scopes))
}

func (c *Coordinator) accessToken(ctx context.Context, scopes []string) (AccessToken, error) {
	key := scopeKey(scopes)

	if tok, ok := c.cached(key); ok {
		c.metrics.TokenCacheHit()
		return tok, nil
	}

	for {
		gen, err := c.openGeneration()
		if err != nil {
			return AccessToken{}, err
		}

		// Flights are keyed per credential generation, so a caller arriving
		// after Rotate never joins a refresh signed with the old key.
		tok, shared, err := c.flights.Do(ctx, flightKey(gen, key), func(ctx context.Context) (AccessToken, error) {
			return c.refresh(ctx, gen, key, scopes)
		})

		if ctx.Err() == nil && c.rotatedSince(gen) {
			c.logger.Debug("credentials rotated during token refresh, retrying", slog.String("scope", key))
			continue
		}

		if err != nil {
			return AccessToken{}, err
		}

		if shared {
			c.logger.Debug("joined in-flight token refresh", slog.String("scope", key))
		}

		return tok, nil
	}
}

// flightKey scopes a refresh to one credential generation.
func flightKey(gen uint64, key string) string {
	return strconv.FormatUint(gen, 10) + "|" + key
}

// Invalidate drops the cached token for scopes so the next call refreshes.
func (c *Coordinator) Invalidate(scopes []string) {
	if len(scopes) == 0 {
		scopes = c.scopes
	}

	key := scopeKey(normalizeScopes(scopes))

	c.mu.Lock()
	delete(c.cache, key)
	store := c.store
	c.mu.Unlock()

	c.removePersisted(store, key)
}

// Rotate swaps in a new credential store, discards all cached tokens,
// cancels in-flight refreshes, and closes the previous store.
func (c *Coordinator) Rotate(store *credential.Store) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	old := c.store
	keys := make([]string, 0, len(c.cache))

	for k := range c.cache {
		keys = append(keys, k)
	}

	c.store = store
	c.generation++
	c.cache = make(map[string]AccessToken)
	c.mu.Unlock()

	c.flights.CancelAll()

	for _, k := range keys {
		c.removePersisted(old, k)
	}

	c.logger.Info("credentials rotated",
		slog.String("issuer", store.Identity().IssuerEmail),
	)

	if old == store {
		return nil
	}

	return old.Close()
}

// Close cancels in-flight refreshes and zeroes the credential store.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	store := c.store
	c.cache = make(map[string]AccessToken)
	c.mu.Unlock()

	c.flights.CancelAll()

	return store.Close()
}

// openGeneration returns the current credential generation, or ErrClosed.
func (c *Coordinator) openGeneration() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	return c.generation, nil
}

// rotatedSince reports whether Rotate or Close ran after generation gen
// was read.
func (c *Coordinator) rotatedSince(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed || c.generation != gen
}

func (c *Coordinator) cached(key string) (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, ok := c.cache[key]
	if !ok || !tok.Valid(c.nowFunc()) {
		return AccessToken{}, false
	}

	return tok, true
}

// refresh runs at most once per key at a time, inside the flight group.
func (c *Coordinator) refresh(ctx context.Context, gen uint64, key string, scopes []string) (AccessToken, error) {
	// A flight that settled just before this one may have filled the cache.
	if tok, ok := c.cached(key); ok {
		return tok, nil
	}

	c.mu.Lock()
	store := c.store
	current := c.generation
	c.mu.Unlock()

	if current != gen {
		return AccessToken{}, errRotated
	}

	if tok, ok := c.loadPersisted(store, key); ok {
		if !c.storeToken(gen, key, tok) {
			return AccessToken{}, errRotated
		}

		c.metrics.TokenCacheHit()

		return tok, nil
	}

	if err := c.waitRefreshSlot(ctx, key); err != nil {
		return AccessToken{}, err
	}

	issuedAt := c.nowFunc()

	assertion, err := buildAssertion(store, scopes, issuedAt)
	if err != nil {
		c.metrics.TokenExchange(false)

		if isCredentialError(err) {
			c.logger.Error("credentials unusable for token refresh",
				slog.String("issuer", store.Identity().IssuerEmail),
				slog.String("error", err.Error()),
			)
		}

		return AccessToken{}, err
	}

	tok, err := exchange(ctx, c.httpClient, store.Identity().TokenEndpoint, assertion, issuedAt)
	if err != nil {
		c.metrics.TokenExchange(false)
		c.logger.Warn("token exchange failed",
			slog.String("scope", key),
			slog.String("error", err.Error()),
		)

		return AccessToken{}, err
	}

	c.metrics.TokenExchange(true)

	if !c.storeToken(gen, key, tok) {
		c.logger.Debug("discarding token minted with rotated credentials", slog.String("scope", key))
		return AccessToken{}, errRotated
	}

	c.savePersisted(store, key, tok)

	c.logger.Info("access token refreshed",
		slog.String("scope", key),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// storeToken caches tok unless the credentials were rotated since the
// refresh started. Reports whether the token was cached.
func (c *Coordinator) storeToken(gen uint64, key string, tok AccessToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.closed {
		return false
	}

	c.cache[key] = tok

	return true
}

// waitRefreshSlot sleeps until the minimum refresh interval for key has
// elapsed since the previous refresh attempt.
func (c *Coordinator) waitRefreshSlot(ctx context.Context, key string) error {
	if c.minInterval < 0 {
		return nil
	}

	c.mu.Lock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.minInterval), 1)
		c.limiters[key] = lim
	}
	c.mu.Unlock()

	now := c.nowFunc()
	r := lim.ReserveN(now, 1)

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	c.logger.Debug("spacing token refresh",
		slog.String("scope", key),
		slog.Duration("delay", delay),
	)

	if err := c.sleepFunc(ctx, delay); err != nil {
		r.CancelAt(c.nowFunc())
		return fmt.Errorf("auth: waiting for refresh slot: %w", err)
	}

	return nil
}

func (c *Coordinator) loadPersisted(store *credential.Store, key string) (AccessToken, bool) {
	if c.cacheDir == "" {
		return AccessToken{}, false
	}

	issuer := store.Identity().IssuerEmail

	tok, err := tokenfile.NewCache(c.cacheDir).Get(issuer, key)
	if err != nil {
		c.logger.Warn("ignoring unreadable token cache", slog.String("error", err.Error()))
		return AccessToken{}, false
	}

	if tok == nil {
		return AccessToken{}, false
	}

	at := fromOAuth2(tok)
	if !at.Valid(c.nowFunc()) {
		return AccessToken{}, false
	}

	c.logger.Debug("using persisted access token", slog.String("scope", key))

	return at, true
}

func (c *Coordinator) savePersisted(store *credential.Store, key string, tok AccessToken) {
	if c.cacheDir == "" {
		return
	}

	issuer := store.Identity().IssuerEmail

	if err := tokenfile.NewCache(c.cacheDir).Put(issuer, key, tok.OAuth2()); err != nil {
		c.logger.Warn("failed to persist access token", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) removePersisted(store *credential.Store, key string) {
	if c.cacheDir == "" {
		return
	}

	if err := tokenfile.NewCache(c.cacheDir).Delete(store.Identity().IssuerEmail, key); err != nil {
		c.logger.Warn("failed to remove persisted token", slog.String("error", err.Error()))
	}
}

// normalizeScopes returns a sorted copy without duplicates or blanks.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))

	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	slices.Sort(out)

	return slices.Compact(out)
}

func scopeKey(scopes []string) string {
	return strings.Join(scopes, " ")
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isCredentialError reports whether err means the credentials themselves are
// unusable, as opposed to a transient exchange failure.
func isCredentialError(err error) bool {
	return errors.Is(err, credential.ErrCredentialsCleared) ||
		errors.Is(err, credential.ErrInvalidPrivateKey) ||
		errors.Is(err, credential.ErrInvalidCredentials)
}
