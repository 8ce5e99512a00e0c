package verify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/remote"
	"github.com/sovsapp/enroll/pkg/logger"
	"github.com/sovsapp/enroll/pkg/metrics"
)

const defaultDetailsTTL = 5 * time.Minute

var (
	// createPolicy retries transient failures; 401 from the provider is
	// rejected by the default predicate and fails fast.
	createPolicy = remote.NewPolicy(3, time.Second)
	// detailsPolicy backs the cached session lookup.
	detailsPolicy = remote.NewPolicy(3, time.Second)
	// verifyPolicy applies to transport failures only; a provider-reported
	// "not verified" is a returned outcome and is never retried here.
	verifyPolicy = remote.NewPolicy(3, time.Second)
	// callbackPolicy is deliberately smaller: callbacks are not guaranteed
	// to be safely repeatable.
	callbackPolicy = remote.NewPolicy(2, 500*time.Millisecond)
)

// Client drives identity-verification sessions through the backend function
// endpoints, wrapping every call in the resilient caller and memoizing
// session details.
type Client struct {
	backend    *remote.HTTPClient
	caller     *remote.Caller
	store      cache.Store
	log        *zap.Logger
	detailsTTL time.Duration
}

// ClientOption customises the Client.
type ClientOption func(*Client)

// WithDetailsTTL overrides how long session details stay cached.
func WithDetailsTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 {
			c.detailsTTL = ttl
		}
	}
}

// WithClientLogger overrides the client logger.
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient constructs a verification session client.
func NewClient(backend *remote.HTTPClient, caller *remote.Caller, store cache.Store, opts ...ClientOption) (*Client, error) {
	if backend == nil {
		return nil, errors.New("verify: backend client is required")
	}
	if caller == nil {
		caller = remote.NewCaller()
	}

	client := &Client{
		backend:    backend,
		caller:     caller,
		store:      store,
		log:        logger.WithModule("verify"),
		detailsTTL: defaultDetailsTTL,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// CreateSession opens a new verification session with the provider.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	session, err := remote.Do(ctx, c.caller, "didit-create-session", createPolicy,
		func(ctx context.Context) (*Session, error) {
			var out Session
			if err := c.backend.PostJSON(ctx, "/didit-create-session", nil, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		c.log.Error("create session failed", zap.Error(err))
		return nil, err
	}

	if session.Status == "" {
		session.Status = StatusCreated
	}

	c.log.Info("verification session created", zap.String("session_id", session.ID))
	return session, nil
}

// SessionDetails returns the current status and details of a session,
// serving from the response cache when a fresh entry exists.
func (c *Client) SessionDetails(ctx context.Context, sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("verify: session id is required")
	}

	key := cache.Key("verify", "sessions", sessionID)
	if cached := c.cachedSession(ctx, key); cached != nil {
		metrics.CacheLookups.WithLabelValues("verify", "hit").Inc()
		c.log.Debug("returning cached session details", zap.String("session_id", sessionID))
		return cached, nil
	}
	metrics.CacheLookups.WithLabelValues("verify", "miss").Inc()

	session, err := remote.Do(ctx, c.caller, "didit-get-session", detailsPolicy,
		func(ctx context.Context) (*Session, error) {
			var out Session
			if err := c.backend.PostJSON(ctx, "/didit-get-session", map[string]string{"session_id": sessionID}, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		return nil, err
	}

	c.storeSession(ctx, key, session)
	return session, nil
}

// VerifySession asks the provider to finalize the session. A provider
// rejection comes back as an unverified Outcome; only transport failures are
// returned as errors.
func (c *Client) VerifySession(ctx context.Context, sessionID string) (*Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("verify: session id is required")
	}

	type verifyResponse struct {
		SessionID string    `json:"session_id"`
		Verified  bool      `json:"verified"`
		UserData  *Identity `json:"user_data,omitempty"`
		Error     string    `json:"error,omitempty"`
	}

	resp, err := remote.Do(ctx, c.caller, "didit-verify", verifyPolicy,
		func(ctx context.Context) (*verifyResponse, error) {
			var out verifyResponse
			if err := c.backend.PostJSON(ctx, "/didit-verify", map[string]string{"session_id": sessionID}, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		c.log.Error("verify session failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	outcome := &Outcome{
		SessionID: sessionID,
		Verified:  resp.Verified,
		Identity:  resp.UserData,
		Reason:    resp.Error,
	}

	if outcome.Verified {
		// The cached "in progress" snapshot is stale once verification lands.
		c.invalidate(ctx, sessionID)
		metrics.VerificationOutcomes.WithLabelValues("verified").Inc()
		c.log.Info("session verified", zap.String("session_id", sessionID))
	} else {
		metrics.VerificationOutcomes.WithLabelValues("rejected").Inc()
		if outcome.Reason == "" {
			outcome.Reason = "Identity verification is not complete yet"
		}
	}

	return outcome, nil
}

// HandleCallback forwards an out-of-band provider callback payload to the
// backend. Callbacks use a reduced retry budget because they are typically
// not safely repeatable.
func (c *Client) HandleCallback(ctx context.Context, payload map[string]interface{}) (*Session, error) {
	session, err := remote.Do(ctx, c.caller, "didit-callback", callbackPolicy,
		func(ctx context.Context) (*Session, error) {
			var out Session
			if err := c.backend.PostJSON(ctx, "/didit-callback", payload, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		c.log.Error("callback handling failed", zap.Error(err))
		return nil, err
	}

	// The callback supersedes whatever details were cached for this session.
	c.invalidate(ctx, session.ID)
	return session, nil
}

// ClearCache drops cached details for one session, or for all sessions the
// client knows about when sessionID is empty and the store supports flushing.
func (c *Client) ClearCache(ctx context.Context, sessionID string) {
	if sessionID != "" {
		c.invalidate(ctx, sessionID)
		return
	}
	if flusher, ok := c.store.(interface{ Flush() }); ok {
		flusher.Flush()
	}
}

func (c *Client) cachedSession(ctx context.Context, key string) *Session {
	if c.store == nil {
		return nil
	}

	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return nil
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		_ = c.store.Delete(ctx, key)
		return nil
	}
	return &session
}

func (c *Client) storeSession(ctx context.Context, key string, session *Session) {
	if c.store == nil || session == nil {
		return
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, raw, c.detailsTTL); err != nil {
		c.log.Warn("caching session details failed", zap.Error(err))
	}
}

func (c *Client) invalidate(ctx context.Context, sessionID string) {
	if c.store == nil || sessionID == "" {
		return
	}
	if err := c.store.Delete(ctx, cache.Key("verify", "sessions", sessionID)); err != nil {
		c.log.Warn("cache invalidation failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
