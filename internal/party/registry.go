// Package party resolves the access token of an inbound request to the one
// counterparty allowed to use it.
package party

import (
	"context"
	"fmt"
	"sync"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/protocol"
	"evroaming/internal/security"

	"go.uber.org/zap"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusRevoked   Status = "REVOKED"
)

// Binding grants one counterparty the use of an access token. Several
// bindings may share a token; the from-headers then tell them apart.
type Binding struct {
	TokenHash   string
	CountryCode string
	PartyId     string
	Role        protocol.Role
	Status      Status
	NotBefore   *time.Time
	NotAfter    *time.Time
}

func (b Binding) ProviderId() string { return b.CountryCode + "*" + b.PartyId }

// ActiveAt reports whether the binding may be used at t. NotAfter is
// exclusive.
func (b Binding) ActiveAt(t time.Time) bool {
	if b.Status != StatusActive {
		return false
	}
	if b.NotBefore != nil && t.Before(*b.NotBefore) {
		return false
	}
	if b.NotAfter != nil && !t.Before(*b.NotAfter) {
		return false
	}
	return true
}

type Loader interface {
	ListPartyBindings(ctx context.Context) ([]Binding, error)
}

type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
	loader   Loader
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry builds an empty registry. loader may be nil when bindings are
// only ever installed with Set.
func NewRegistry(loader Loader, logger *zap.Logger) *Registry {
	return &Registry{
		loader: loader,
		logger: logger.Named("party"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for validity windows.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) Set(bindings []Binding) {
	r.mu.Lock()
	r.bindings = append([]Binding(nil), bindings...)
	r.mu.Unlock()
}

// Reload replaces the bindings with the loader's. The previous bindings stay
// in place when loading fails.
func (r *Registry) Reload(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	bindings, err := r.loader.ListPartyBindings(ctx)
	if err != nil {
		return fmt.Errorf("load party bindings: %w", err)
	}
	r.Set(bindings)
	r.logger.Info("party bindings loaded", zap.Int("count", len(bindings)))
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Resolve maps an Authorization header and the optional from-headers onto
// exactly one active binding.
func (r *Registry) Resolve(authorization, fromCountryCode, fromPartyId string) (Binding, error) {
	token, err := security.TokenFromAuthorization(authorization)
	if err != nil {
		return Binding{}, apperrors.NewAuthenticationError("missing or malformed access token")
	}
	hash := security.HashSecretSHA256(token)
	now := r.now()

	var active []Binding
	r.mu.RLock()
	for _, b := range r.bindings {
		if security.ConstantTimeEqualHex(b.TokenHash, hash) && b.ActiveAt(now) {
			active = append(active, b)
		}
	}
	r.mu.RUnlock()

	switch len(active) {
	case 0:
		return Binding{}, apperrors.NewAuthenticationError("unknown or inactive access token")
	case 1:
		return active[0], nil
	}

	if fromCountryCode == "" || fromPartyId == "" {
		return Binding{}, apperrors.NewAmbiguousPartyError(
			fmt.Sprintf("token is shared by %d parties and the from-headers are missing", len(active)))
	}
	var match []Binding
	for _, b := range active {
		if b.CountryCode == fromCountryCode && b.PartyId == fromPartyId {
			match = append(match, b)
		}
	}
	if len(match) != 1 {
		return Binding{}, apperrors.NewAmbiguousPartyError(
			fmt.Sprintf("%d of %d parties sharing the token match %s*%s", len(match), len(active), fromCountryCode, fromPartyId))
	}
	return match[0], nil
}

type ctxKey struct{}

func WithBinding(ctx context.Context, b Binding) context.Context {
	return context.WithValue(ctx, ctxKey{}, b)
}

func FromContext(ctx context.Context) (Binding, bool) {
	b, ok := ctx.Value(ctxKey{}).(Binding)
	return b, ok
}
