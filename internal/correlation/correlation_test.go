package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsValidIds(t *testing.T) {
	req := uuid.NewString()
	corr := uuid.NewString()

	ids := Parse(req, corr)
	assert.Equal(t, req, ids.RequestId)
	assert.Equal(t, corr, ids.CorrelationId)
}

func TestParseReplacesGarbage(t *testing.T) {
	ids := Parse("not-a-uuid", "")
	_, err := uuid.Parse(ids.RequestId)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", ids.RequestId)
	_, err = uuid.Parse(ids.CorrelationId)
	assert.NoError(t, err)
}

func TestFromRequestAndHeaders(t *testing.T) {
	corr := uuid.NewString()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Correlation-ID", corr)

	ids := FromRequest(r)
	assert.Equal(t, corr, ids.CorrelationId)

	h := http.Header{}
	ids.SetHeaders(h)
	assert.Equal(t, ids.RequestId, h.Get("X-Request-ID"))
	assert.Equal(t, corr, h.Get("X-Correlation-ID"))
}

func TestOutboundKeepsCorrelation(t *testing.T) {
	in := Parse("", "")
	ctx := WithIds(context.Background(), in)

	out := Outbound(ctx)
	assert.Equal(t, in.CorrelationId, out.CorrelationId)
	assert.NotEqual(t, in.RequestId, out.RequestId)

	fresh := Outbound(context.Background())
	assert.NotEmpty(t, fresh.CorrelationId)
}
