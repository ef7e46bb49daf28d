package party

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/protocol"
	"evroaming/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func binding(token, cc, pid string) Binding {
	return Binding{
		TokenHash:   security.HashSecretSHA256(token),
		CountryCode: cc,
		PartyId:     pid,
		Role:        protocol.RoleEMSP,
		Status:      StatusActive,
	}
}

func newRegistry(t *testing.T, bindings ...Binding) *Registry {
	r := NewRegistry(nil, zaptest.NewLogger(t))
	r.SetClock(func() time.Time { return now })
	r.Set(bindings)
	return r
}

func TestResolveSingleBinding(t *testing.T) {
	r := newRegistry(t, binding("tok-a", "NL", "EMP"), binding("tok-b", "DE", "XYZ"))

	b, err := r.Resolve("Token tok-a", "", "")
	require.NoError(t, err)
	assert.Equal(t, "NL*EMP", b.ProviderId())

	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("tok-b:"))
	b, err = r.Resolve(basic, "", "")
	require.NoError(t, err)
	assert.Equal(t, "DE*XYZ", b.ProviderId())
}

func TestResolveRejectsUnknownAndInactive(t *testing.T) {
	suspended := binding("tok-s", "NL", "SUS")
	suspended.Status = StatusSuspended
	expired := binding("tok-e", "NL", "EXP")
	end := now
	expired.NotAfter = &end
	future := binding("tok-f", "NL", "FUT")
	start := now.Add(time.Hour)
	future.NotBefore = &start

	r := newRegistry(t, suspended, expired, future)
	for _, header := range []string{"Token nope", "Token tok-s", "Token tok-e", "Token tok-f", "", "Digest x"} {
		_, err := r.Resolve(header, "", "")
		assert.True(t, apperrors.IsKind(err, apperrors.KindAuthentication), header)
	}
}

func TestSharedTokenNeedsFromHeaders(t *testing.T) {
	r := newRegistry(t,
		binding("shared", "NL", "AAA"),
		binding("shared", "NL", "BBB"),
	)

	_, err := r.Resolve("Token shared", "", "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindAmbiguousParty))

	_, err = r.Resolve("Token shared", "NL", "CCC")
	assert.True(t, apperrors.IsKind(err, apperrors.KindAmbiguousParty))

	b, err := r.Resolve("Token shared", "NL", "BBB")
	require.NoError(t, err)
	assert.Equal(t, "BBB", b.PartyId)
}

func TestSharedTokenWithDuplicateBindingsStaysAmbiguous(t *testing.T) {
	r := newRegistry(t, binding("shared", "NL", "AAA"), binding("shared", "NL", "AAA"))

	_, err := r.Resolve("Token shared", "NL", "AAA")
	assert.True(t, apperrors.IsKind(err, apperrors.KindAmbiguousParty))
}

type loaderFunc func(ctx context.Context) ([]Binding, error)

func (f loaderFunc) ListPartyBindings(ctx context.Context) ([]Binding, error) { return f(ctx) }

func TestReloadKeepsBindingsOnFailure(t *testing.T) {
	var fail bool
	r := NewRegistry(loaderFunc(func(context.Context) ([]Binding, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return []Binding{binding("tok-a", "NL", "EMP")}, nil
	}), zaptest.NewLogger(t))

	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, 1, r.Len())

	fail = true
	assert.ErrorContains(t, r.Reload(context.Background()), "connection refused")
	_, err := r.Resolve("Token tok-a", "", "")
	assert.NoError(t, err)
}
