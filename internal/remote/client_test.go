package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/correlation"
	"evroaming/internal/metrics"
	"evroaming/internal/protocol"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, baseURL string, opts Options) *Client {
	t.Helper()
	opts.SelfCountryCode, opts.SelfPartyId = "DE", "GEF"
	cp := Counterparty{Name: "emp", CountryCode: "NL", PartyId: "EMP", BaseURL: baseURL + "/ocpi/emsp/2.2", Token: "secret"}
	return New(cp, opts, metrics.NewNop(), zaptest.NewLogger(t))
}

func writeEnvelope(w http.ResponseWriter, httpStatus, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(protocol.Response{Data: data, StatusCode: statusCode, Timestamp: time.Now().UTC()})
}

func TestAuthorizeTokenSendsProtocolHeaders(t *testing.T) {
	corr := uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ocpi/emsp/2.2/tokens/04A2%2FB3/authorize", r.URL.EscapedPath())
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "DE", r.Header.Get("OCPI-from-country-code"))
		assert.Equal(t, "GEF", r.Header.Get("OCPI-from-party-id"))
		assert.Equal(t, corr, r.Header.Get("X-Correlation-ID"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var ref protocol.LocationReferences
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ref))
		assert.Equal(t, "LOC1", ref.LocationId)

		writeEnvelope(w, http.StatusOK, 1000, protocol.AuthorizationInfo{Allowed: protocol.AllowedAllowed, AuthorizationReference: "REF-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	ctx := correlation.WithIds(context.Background(), correlation.Parse("", corr))

	info, err := c.AuthorizeToken(ctx, "04A2/B3", protocol.LocationReferences{LocationId: "LOC1", EvseUids: []string{"E1"}})
	require.NoError(t, err)
	assert.Equal(t, protocol.AllowedAllowed, info.Allowed)
	assert.Equal(t, "REF-1", info.AuthorizationReference)
	assert.Equal(t, "NL*EMP", c.ProviderId())
}

func TestAuthorizeUnknownTokenIsNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, 2004, nil)
	}))
	defer srv.Close()

	info, err := newTestClient(t, srv.URL, Options{}).AuthorizeToken(context.Background(), "X", protocol.LocationReferences{})
	require.NoError(t, err)
	assert.Equal(t, protocol.AllowedNotAllowed, info.Allowed)
}

func TestPostCDR(t *testing.T) {
	var got protocol.CDR
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ocpi/emsp/2.2/cdrs", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		writeEnvelope(w, http.StatusOK, 1000, nil)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL, Options{}).PostCDR(context.Background(), protocol.CDR{Id: "CDR-1", Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "CDR-1", got.Id)
}

func TestRejectionIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, 2001, nil)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL, Options{}).PostCDR(context.Background(), protocol.CDR{Id: "CDR-1"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestServerErrorsOpenTheBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{BreakerFailures: 2, BreakerOpenFor: time.Minute})
	for i := 0; i < 4; i++ {
		err := c.PostCDR(context.Background(), protocol.CDR{Id: "CDR-1"})
		assert.True(t, apperrors.IsKind(err, apperrors.KindTransport))
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestDeadlineSurfacesAsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv.URL, Options{}).AuthorizeToken(ctx, "X", protocol.LocationReferences{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
