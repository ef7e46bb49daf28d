package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/metrics"
	"evroaming/internal/party"
	"evroaming/internal/protocol"
	"evroaming/internal/security"
	"evroaming/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type mockCommands struct{ mock.Mock }

func (m *mockCommands) StartSession(ctx context.Context, caller party.Binding, req protocol.StartSession) protocol.CommandResponse {
	return m.Called(caller.ProviderId(), req).Get(0).(protocol.CommandResponse)
}

func (m *mockCommands) StopSession(ctx context.Context, caller party.Binding, req protocol.StopSession) protocol.CommandResponse {
	return m.Called(caller.ProviderId(), req).Get(0).(protocol.CommandResponse)
}

type fixture struct {
	srv      *httptest.Server
	store    *store.Store
	commands *mockCommands
}

func binding(token, cc, pid string) party.Binding {
	return party.Binding{
		TokenHash:   security.HashSecretSHA256(token),
		CountryCode: cc,
		PartyId:     pid,
		Role:        protocol.RoleEMSP,
		Status:      party.StatusActive,
	}
}

func newFixture(t *testing.T, limit Limits) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.New(nil, logger)
	parties := party.NewRegistry(nil, logger)
	parties.Set([]party.Binding{
		binding("tok-nl", "NL", "EMP"),
		binding("tok-be", "BE", "MSP"),
		binding("tok-shared", "FR", "AAA"),
		binding("tok-shared", "FR", "BBB"),
	})
	reg := prometheus.NewRegistry()
	cmds := &mockCommands{}
	s := NewServer(st, parties, cmds, metrics.New(reg), reg, limit, logger)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, commands: cmds}
}

func (f *fixture) do(t *testing.T, method, path, token, body string, headers ...string) (*http.Response, protocol.RawResponse) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env protocol.RawResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func (f *fixture) addLocation(t *testing.T, id string, evseUids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.AddLocation(ctx, protocol.Location{CountryCode: "DE", PartyId: "GEF", Id: id, LastUpdated: t0}))
	for _, uid := range evseUids {
		_, err := f.store.UpsertEVSE(ctx, id, protocol.EVSE{
			Uid: uid, EvseId: uid, Status: protocol.StatusAvailable, StatusUpdated: t0, LastUpdated: t0,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) addCDR(t *testing.T, providerId, id string, end time.Time) {
	t.Helper()
	require.NoError(t, f.store.AddCDR(context.Background(), store.StoredCDR{
		ProviderId: providerId,
		CDR:        protocol.CDR{CountryCode: "DE", PartyId: "GEF", Id: id, EndDateTime: end},
	}))
}

func TestHealthzNeedsNoToken(t *testing.T) {
	f := newFixture(t, Limits{})
	resp, _ := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownTokenIsRejectedWithIds(t *testing.T) {
	f := newFixture(t, Limits{})
	reqId := "8a1f7f63-3c56-4d2b-9a4a-9f0c1c2d3e4f"
	resp, env := f.do(t, http.MethodGet, BasePath+"/locations", "nope", "", protocol.HeaderRequestId, reqId)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)
	assert.Equal(t, reqId, env.RequestId)
	assert.Equal(t, reqId, resp.Header.Get(protocol.HeaderRequestId))
	assert.NotEmpty(t, env.CorrelationId)
}

func TestSharedTokenNeedsFromHeaders(t *testing.T) {
	f := newFixture(t, Limits{})
	resp, env := f.do(t, http.MethodGet, BasePath+"/locations", "tok-shared", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.StatusNotEnoughInfo, env.StatusCode)

	resp, env = f.do(t, http.MethodGet, BasePath+"/locations", "tok-shared", "",
		protocol.HeaderFromCountryCode, "FR", protocol.HeaderFromPartyId, "BBB")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, apperrors.StatusSuccess, env.StatusCode)
}

func TestListLocationsPages(t *testing.T) {
	f := newFixture(t, Limits{})
	f.addLocation(t, "L1", "E1", "E2")
	f.addLocation(t, "L2")
	f.addLocation(t, "L3")

	resp, env := f.do(t, http.MethodGet, BasePath+"/locations?offset=1&limit=1", "tok-nl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-Total-Count"))
	assert.Equal(t, "1", resp.Header.Get("X-Limit"))

	var locs []protocol.Location
	require.NoError(t, json.Unmarshal(env.Data, &locs))
	require.Len(t, locs, 1)
	assert.Equal(t, "L2", locs[0].Id)
}

func TestGetLocationAndEVSE(t *testing.T) {
	f := newFixture(t, Limits{})
	f.addLocation(t, "L1", "E1")

	resp, env := f.do(t, http.MethodGet, BasePath+"/locations/L1", "tok-nl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loc protocol.Location
	require.NoError(t, json.Unmarshal(env.Data, &loc))
	assert.Len(t, loc.EVSEs, 1)

	resp, env = f.do(t, http.MethodGet, BasePath+"/locations/L1/E1", "tok-nl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evse protocol.EVSE
	require.NoError(t, json.Unmarshal(env.Data, &evse))
	assert.Equal(t, protocol.StatusAvailable, evse.Status)

	resp, env = f.do(t, http.MethodGet, BasePath+"/locations/L9", "tok-nl", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.StatusUnknownLocation, env.StatusCode)

	resp, env = f.do(t, http.MethodGet, BasePath+"/locations/L1/E9", "tok-nl", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.StatusUnknownLocation, env.StatusCode)
}

func TestCDRsAreScopedToCaller(t *testing.T) {
	f := newFixture(t, Limits{})
	f.addCDR(t, "NL*EMP", "C2", t0.Add(2*time.Hour))
	f.addCDR(t, "NL*EMP", "C1", t0.Add(time.Hour))
	f.addCDR(t, "BE*MSP", "C3", t0)

	resp, env := f.do(t, http.MethodGet, BasePath+"/cdrs", "tok-nl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cdrs []protocol.CDR
	require.NoError(t, json.Unmarshal(env.Data, &cdrs))
	require.Len(t, cdrs, 2)
	assert.Equal(t, "C1", cdrs[0].Id)
	assert.Equal(t, "C2", cdrs[1].Id)

	resp, _ = f.do(t, http.MethodGet, BasePath+"/cdrs/C1", "tok-nl", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = f.do(t, http.MethodGet, BasePath+"/cdrs/C3", "tok-nl", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)
}

func TestStartAndStopCommands(t *testing.T) {
	f := newFixture(t, Limits{})
	start := protocol.StartSession{
		ResponseURL: "https://emsp.example/cmd/1",
		Token:       protocol.CommandToken{Uid: "04A2B3", Type: protocol.TokenRFID, ContractId: "NL-EMP-C1"},
		LocationId:  "L1",
		EvseUid:     "E1",
	}
	f.commands.On("StartSession", "NL*EMP", start).
		Return(protocol.CommandResponse{Result: protocol.CommandAccepted, SessionId: "S-1"}).Once()
	f.commands.On("StopSession", "NL*EMP", protocol.StopSession{SessionId: "S-1"}).
		Return(protocol.CommandResponse{Result: protocol.CommandAccepted, SessionId: "S-1"}).Once()

	body, err := json.Marshal(start)
	require.NoError(t, err)
	resp, env := f.do(t, http.MethodPost, BasePath+"/commands/START_SESSION", "tok-nl", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res protocol.CommandResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, protocol.CommandAccepted, res.Result)
	assert.Equal(t, "S-1", res.SessionId)

	resp, _ = f.do(t, http.MethodPost, BasePath+"/commands/STOP_SESSION", "tok-nl", `{"session_id":"S-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.commands.AssertExpectations(t)
}

func TestCommandInputErrors(t *testing.T) {
	f := newFixture(t, Limits{})

	resp, env := f.do(t, http.MethodPost, BasePath+"/commands/START_SESSION", "tok-nl", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.StatusInvalidParameters, env.StatusCode)

	resp, _ = f.do(t, http.MethodPost, BasePath+"/commands/STOP_SESSION", "tok-nl", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, env = f.do(t, http.MethodPost, BasePath+"/commands/UNLOCK_CONNECTOR", "tok-nl", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res protocol.CommandResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, protocol.CommandNotSupported, res.Result)
	f.commands.AssertNotCalled(t, "StartSession", mock.Anything, mock.Anything)
}

func TestPanicBecomesServerError(t *testing.T) {
	f := newFixture(t, Limits{})
	f.commands.On("StopSession", "NL*EMP", mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	reqId := "5b7c0d2e-1111-4c3b-8d5e-6f7a8b9c0d1e"
	resp, env := f.do(t, http.MethodPost, BasePath+"/commands/STOP_SESSION", "tok-nl", `{"session_id":"S-1"}`,
		protocol.HeaderRequestId, reqId)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, apperrors.StatusServerError, env.StatusCode)
	assert.Contains(t, env.StatusMessage, "boom")
	assert.Equal(t, reqId, env.RequestId)
}

func TestUnmatchedRoutesAnswerWithEnvelope(t *testing.T) {
	f := newFixture(t, Limits{})
	reqId := "0f1e2d3c-2222-4b5a-9c8d-7e6f5a4b3c2d"

	resp, env := f.do(t, http.MethodGet, "/nowhere", "", "", protocol.HeaderRequestId, reqId)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)
	assert.Contains(t, env.StatusMessage, "/nowhere")
	assert.Equal(t, reqId, env.RequestId)
	assert.NotEmpty(t, env.CorrelationId)

	resp, env = f.do(t, http.MethodDelete, "/healthz", "", "", protocol.HeaderRequestId, reqId)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)
	assert.Equal(t, reqId, env.RequestId)

	// below the base path the caller is authenticated first
	resp, env = f.do(t, http.MethodGet, BasePath+"/tariffs", "tok-nl", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)
	assert.NotEmpty(t, env.RequestId)

	resp, env = f.do(t, http.MethodDelete, BasePath+"/locations", "tok-nl", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)
}

func TestRateLimitIsPerParty(t *testing.T) {
	f := newFixture(t, Limits{RequestsPerSecond: 0.001, Burst: 1})

	resp, _ := f.do(t, http.MethodGet, BasePath+"/locations", "tok-nl", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, env := f.do(t, http.MethodGet, BasePath+"/locations", "tok-nl", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, apperrors.StatusClientError, env.StatusCode)

	resp, _ = f.do(t, http.MethodGet, BasePath+"/locations", "tok-be", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	f := newFixture(t, Limits{})
	f.do(t, http.MethodGet, BasePath+"/locations", "tok-nl", "")

	want := `evroaming_http_requests_total{method="GET",route="/ocpi/cpo/2.2/locations",status="200"} 1`
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), want)
	}, time.Second, 10*time.Millisecond)
}
