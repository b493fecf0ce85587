// Package session implements tenant-scoped user sessions with sliding
// expiration and a single-session-per-user policy. Sessions live at
// session:<id> under the tenant prefix; the user's active session ids are
// indexed at user_sessions:<user> so a new login can revoke the old one.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// Session is one authenticated user session. ProjectAccess lists additional
// projects the session may act on beyond its home project.
type Session struct {
	SessionID      string                 `json:"session_id"`
	ProjectID      string                 `json:"project_id"`
	UserID         string                 `json:"user_id"`
	Active         bool                   `json:"active"`
	ProjectAccess  []string               `json:"project_access,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
}

// HasAccess reports whether the session may act on the project.
func (s *Session) HasAccess(projectID string) bool {
	if s.ProjectID == projectID {
		return true
	}
	for _, id := range s.ProjectAccess {
		if id == projectID {
			return true
		}
	}
	return false
}

// Config configures the session service.
type Config struct {
	// DefaultTTL is the session lifetime, applied at creation and again on
	// every successful validation.
	DefaultTTL time.Duration
	// TombstoneTTL keeps revoked sessions readable briefly so concurrent
	// validations see the revocation instead of a bare miss.
	TombstoneTTL time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service manages sessions over the tenant-isolated connection factory.
type Service struct {
	factory *redis.ConnectionFactory
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// New creates a session service.
func New(factory *redis.ConnectionFactory, config Config) *Service {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.TombstoneTTL <= 0 {
		config.TombstoneTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("session")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{
		factory: factory,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
}

func sessionKey(sessionID string) string   { return "session:" + sessionID }
func userSessionsKey(userID string) string { return "user_sessions:" + userID }

// Create opens a session for the user, revoking any session the user already
// holds in this project first.
func (s *Service) Create(ctx context.Context, projectID, userID string, metadata map[string]interface{}) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id must not be empty")
	}

	now := s.now().UTC()
	session := &Session{
		SessionID:      uuid.NewString(),
		ProjectID:      projectID,
		UserID:         userID,
		Active:         true,
		Metadata:       metadata,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.config.DefaultTTL),
	}

	err := s.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		existing, err := client.SMembers(ctx, userSessionsKey(userID))
		if err != nil {
			return err
		}
		for _, id := range existing {
			if err := s.revokeLocked(ctx, client, id); err != nil {
				return err
			}
			if _, err := client.SRem(ctx, userSessionsKey(userID), id); err != nil {
				return err
			}
		}

		if err := s.store(ctx, client, session, s.config.DefaultTTL); err != nil {
			return err
		}
		if _, err := client.SAdd(ctx, userSessionsKey(userID), session.SessionID); err != nil {
			return err
		}
		// The index must outlive the session so stale members are still
		// found and pruned at the next login.
		_, err = client.Expire(ctx, userSessionsKey(userID), s.config.DefaultTTL+s.config.TombstoneTTL)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter("session.created", 1)
	s.logger.Debug("Session created", map[string]interface{}{
		"session_id": session.SessionID,
		"project_id": projectID,
	})
	return session, nil
}

// Validate returns the session if it is live, sliding its expiration
// forward. Missing, revoked, and expired sessions all return (nil, nil).
func (s *Service) Validate(ctx context.Context, projectID, sessionID string) (*Session, error) {
	now := s.now().UTC()

	var session *Session
	err := s.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		found, err := s.read(ctx, client, sessionID)
		if err != nil || found == nil {
			return err
		}
		if !found.Active || !found.ExpiresAt.After(now) {
			return nil
		}

		found.LastActivityAt = now
		found.ExpiresAt = now.Add(s.config.DefaultTTL)
		if err := s.store(ctx, client, found, s.config.DefaultTTL); err != nil {
			return err
		}
		session = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "valid"
	if session == nil {
		outcome = "invalid"
	}
	s.metrics.IncrementCounterWithLabels("session.validated", 1, map[string]string{"outcome": outcome})
	return session, nil
}

// Get returns the stored session without sliding its expiration, or nil when
// it does not exist.
func (s *Service) Get(ctx context.Context, projectID, sessionID string) (*Session, error) {
	var session *Session
	err := s.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		found, err := s.read(ctx, client, sessionID)
		session = found
		return err
	})
	return session, err
}

// Revoke deactivates a session, leaving a short-lived tombstone behind.
// Revoking an unknown session reports KindKeyNotFound.
func (s *Service) Revoke(ctx context.Context, projectID, sessionID string) error {
	err := s.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		found, err := s.read(ctx, client, sessionID)
		if err != nil {
			return err
		}
		if found == nil {
			return redis.NewProjectError(redis.KindKeyNotFound, "session_revoke", projectID,
				errors.Errorf("session %q not found", sessionID))
		}
		if _, err := client.SRem(ctx, userSessionsKey(found.UserID), sessionID); err != nil {
			return err
		}
		return s.revokeLocked(ctx, client, sessionID)
	})
	if err != nil {
		return err
	}
	s.metrics.IncrementCounter("session.revoked", 1)
	return nil
}

// GrantProjectAccess adds another project to the session's access list. The
// grant does not slide the expiration.
func (s *Service) GrantProjectAccess(ctx context.Context, projectID, sessionID, grantProjectID string) (*Session, error) {
	normalized, err := redis.ValidateProjectID("grant_project_access", grantProjectID)
	if err != nil {
		return nil, err
	}

	var session *Session
	err = s.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		found, err := s.read(ctx, client, sessionID)
		if err != nil {
			return err
		}
		if found == nil || !found.Active {
			return redis.NewProjectError(redis.KindKeyNotFound, "grant_project_access", projectID,
				errors.Errorf("session %q not found or inactive", sessionID))
		}
		if found.HasAccess(normalized) {
			session = found
			return nil
		}

		found.ProjectAccess = append(found.ProjectAccess, normalized)
		ttl, err := client.TTL(ctx, sessionKey(sessionID))
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = s.config.DefaultTTL
		}
		if err := s.store(ctx, client, found, ttl); err != nil {
			return err
		}
		session = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// revokeLocked rewrites a session as inactive under the tombstone TTL.
// Missing sessions are skipped; the index can hold already-expired ids.
func (s *Service) revokeLocked(ctx context.Context, client *redis.TenantClient, sessionID string) error {
	found, err := s.read(ctx, client, sessionID)
	if err != nil || found == nil {
		return err
	}
	found.Active = false
	return s.store(ctx, client, found, s.config.TombstoneTTL)
}

func (s *Service) read(ctx context.Context, client *redis.TenantClient, sessionID string) (*Session, error) {
	body, err := client.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal([]byte(body), &session); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	return &session, nil
}

func (s *Service) store(ctx context.Context, client *redis.TenantClient, session *Session, ttl time.Duration) error {
	body, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	return client.Set(ctx, sessionKey(session.SessionID), body, ttl)
}
