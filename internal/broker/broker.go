package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	tokenName  = "simplecd-credential"
	DefaultTTL = 15 * time.Minute
	MaxTTL     = time.Hour
)

// Scope bounds what a credential may be used for.
type Scope struct {
	Repository  string `json:"repository"`
	Environment string `json:"environment,omitempty"`
	Ref         string `json:"ref"`
}

// Credential is a short-lived scoped token. It lives only in the memory of
// the job that requested it.
type Credential struct {
	ID        string
	Scope     Scope
	Claims    []string
	Requester string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

func (c *Credential) String() string {
	return fmt.Sprintf("credential %s (%s@%s env=%s, token redacted)",
		c.ID, c.Scope.Repository, c.Scope.Ref, c.Scope.Environment)
}

func (c *Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Str("credential_id", c.ID).
		Str("repository", c.Scope.Repository).
		Str("environment", c.Scope.Environment).
		Str("ref", c.Scope.Ref).
		Time("expires_at", c.ExpiresAt)
}

// Claims is what an exchange yields to a downstream system.
type Claims struct {
	CredentialID string    `json:"credential_id"`
	Scope        Scope     `json:"scope"`
	Claims       []string  `json:"claims"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Authorizer is the scope-authorization table.
type Authorizer interface {
	Claims(repository, environment, ref string) ([]string, bool)
}

type Observer interface {
	CredentialIssued(environment string)
	CredentialRevoked()
	ExchangeRejected(reason string)
}

type tokenPayload struct {
	ID          string   `json:"id"`
	Repository  string   `json:"repository"`
	Environment string   `json:"environment"`
	Ref         string   `json:"ref"`
	Claims      []string `json:"claims"`
	ExpiresAt   int64    `json:"expires_at"`
}

type Broker struct {
	authorizer Authorizer
	audit      audit.Recorder
	codec      *securecookie.SecureCookie
	clock      clockwork.Clock
	observer   Observer
	defaultTTL time.Duration
	maxTTL     time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time
}

type Option func(*Broker)

func WithClock(c clockwork.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observer = o }
}

func WithTTL(defaultTTL, maxTTL time.Duration) Option {
	return func(b *Broker) {
		if maxTTL > 0 {
			b.maxTTL = maxTTL
		}
		if defaultTTL > 0 {
			b.defaultTTL = min(defaultTTL, b.maxTTL)
		}
	}
}

// New returns a broker sealing tokens with keys generated for this process
// only. The revocation set is not persisted, so a restart has to invalidate
// every outstanding token, revoked or not.
func New(authorizer Authorizer, recorder audit.Recorder, opts ...Option) *Broker {
	b := &Broker{
		authorizer: authorizer,
		audit:      recorder,
		clock:      clockwork.NewRealClock(),
		defaultTTL: DefaultTTL,
		maxTTL:     MaxTTL,
		revoked:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.codec = securecookie.New(securecookie.GenerateRandomKey(64), securecookie.GenerateRandomKey(32))
	b.codec.SetSerializer(securecookie.JSONEncoder{})
	// securecookie checks its own wall clock timestamp; the expiry in the
	// payload is authoritative.
	b.codec.MaxAge(int(b.maxTTL/time.Second) + 60)
	return b
}

// Issue mints a credential for scope after checking it against the policy
// table. A ttl of zero uses the default; longer ttls are capped.
func (b *Broker) Issue(ctx context.Context, scope Scope, ttl time.Duration, requester string) (*Credential, error) {
	if scope.Repository == "" || scope.Ref == "" {
		return nil, fault.Validation("broker", "issue", errors.New("scope requires repository and ref"))
	}
	claims, ok := b.authorizer.Claims(scope.Repository, scope.Environment, scope.Ref)
	if !ok {
		return nil, fault.Policy("broker", "issue", fault.ErrScopeDenied).
			With("repository", scope.Repository).
			With("environment", scope.Environment).
			With("ref", scope.Ref)
	}
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	ttl = min(ttl, b.maxTTL)

	now := b.clock.Now().UTC()
	cred := &Credential{
		ID:        uuid.NewString(),
		Scope:     scope,
		Claims:    claims,
		Requester: requester,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	token, err := b.codec.Encode(tokenName, tokenPayload{
		ID:          cred.ID,
		Repository:  scope.Repository,
		Environment: scope.Environment,
		Ref:         scope.Ref,
		Claims:      claims,
		ExpiresAt:   cred.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, fault.New(fault.KindInternal, "broker", "issue", err)
	}
	cred.Token = token

	if _, err := b.audit.Append(ctx, audit.Event{
		Kind:      audit.CredentialIssued,
		Component: "broker",
		Subject:   cred.ID,
		Actor:     requester,
		Attributes: map[string]string{
			"repository":  scope.Repository,
			"environment": scope.Environment,
			"ref":         scope.Ref,
			"expires_at":  cred.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		// an unaudited credential must not be handed out
		return nil, err
	}
	if b.observer != nil {
		b.observer.CredentialIssued(scope.Environment)
	}
	log.Debug().Object("credential", cred).Str("requester", requester).Msg("credential issued")
	return cred, nil
}

// Revoke makes cred unusable for further exchanges. Revoking twice is not
// an error; both calls are audited.
func (b *Broker) Revoke(ctx context.Context, cred *Credential, actor string) error {
	b.mu.Lock()
	_, already := b.revoked[cred.ID]
	if !already {
		b.revoked[cred.ID] = cred.ExpiresAt
	}
	b.mu.Unlock()

	attrs := map[string]string{
		"repository":  cred.Scope.Repository,
		"environment": cred.Scope.Environment,
		"ref":         cred.Scope.Ref,
		"requester":   cred.Requester,
	}
	if already {
		attrs["already_revoked"] = "true"
	}
	if _, err := b.audit.Append(ctx, audit.Event{
		Kind:       audit.CredentialRevoked,
		Component:  "broker",
		Subject:    cred.ID,
		Actor:      actor,
		Attributes: attrs,
	}); err != nil {
		return err
	}
	if !already && b.observer != nil {
		b.observer.CredentialRevoked()
	}
	return nil
}

// Exchange validates a token and returns its claims.
func (b *Broker) Exchange(_ context.Context, token string) (*Claims, error) {
	payload := tokenPayload{}
	if err := b.codec.Decode(tokenName, token, &payload); err != nil {
		b.rejected("invalid")
		return nil, fault.Policy("broker", "exchange", fmt.Errorf("%w: %v", fault.ErrInvalidToken, err))
	}

	b.mu.Lock()
	_, revoked := b.revoked[payload.ID]
	b.mu.Unlock()
	if revoked {
		b.rejected("revoked")
		return nil, fault.Policy("broker", "exchange", fault.ErrRevoked).With("credential_id", payload.ID)
	}

	expiresAt := time.UnixMilli(payload.ExpiresAt).UTC()
	if !b.clock.Now().Before(expiresAt) {
		b.rejected("expired")
		return nil, fault.Policy("broker", "exchange", fault.ErrExpired).With("credential_id", payload.ID)
	}

	return &Claims{
		CredentialID: payload.ID,
		Scope: Scope{
			Repository:  payload.Repository,
			Environment: payload.Environment,
			Ref:         payload.Ref,
		},
		Claims:    slices.Clone(payload.Claims),
		ExpiresAt: expiresAt,
	}, nil
}

func (b *Broker) rejected(reason string) {
	if b.observer != nil {
		b.observer.ExchangeRejected(reason)
	}
}

// Sweep forgets revoked credentials that have expired anyway and returns
// how many were dropped.
func (b *Broker) Sweep() int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, expiresAt := range b.revoked {
		if !now.Before(expiresAt) {
			delete(b.revoked, id)
			dropped++
		}
	}
	return dropped
}

func (b *Broker) Revoked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.revoked)
}
