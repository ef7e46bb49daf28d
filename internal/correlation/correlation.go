// Package correlation carries the request and correlation ids of a protocol
// exchange through the context.
package correlation

import (
	"context"
	"net/http"

	"evroaming/internal/protocol"

	"github.com/google/uuid"
)

type Ids struct {
	RequestId     string
	CorrelationId string
}

type ctxKey struct{}

// Parse keeps the given ids when they are UUIDs and generates fresh ones
// otherwise.
func Parse(requestId, correlationId string) Ids {
	return Ids{RequestId: orNew(requestId), CorrelationId: orNew(correlationId)}
}

func FromRequest(r *http.Request) Ids {
	return Parse(r.Header.Get(protocol.HeaderRequestId), r.Header.Get(protocol.HeaderCorrelationId))
}

func orNew(s string) string {
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func WithIds(ctx context.Context, ids Ids) context.Context {
	return context.WithValue(ctx, ctxKey{}, ids)
}

func FromContext(ctx context.Context) (Ids, bool) {
	ids, ok := ctx.Value(ctxKey{}).(Ids)
	return ids, ok
}

// Outbound returns the ids for a request this process sends: always a new
// request id, and the caller's correlation id when there is one.
func Outbound(ctx context.Context) Ids {
	out := Ids{RequestId: uuid.NewString()}
	if ids, ok := FromContext(ctx); ok {
		out.CorrelationId = ids.CorrelationId
	}
	if out.CorrelationId == "" {
		out.CorrelationId = uuid.NewString()
	}
	return out
}

func (ids Ids) SetHeaders(h http.Header) {
	h.Set(protocol.HeaderRequestId, ids.RequestId)
	h.Set(protocol.HeaderCorrelationId, ids.CorrelationId)
}
