package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/correlation"
	"evroaming/internal/protocol"
)

const maxBody = 1 << 20

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBody)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return apperrors.NewValidationError("INVALID_JSON", "request body is not valid json").WithCause(err)
	}
	return nil
}

// writeData writes a success envelope carrying the request's ids.
func writeData(w http.ResponseWriter, r *http.Request, data any) {
	writeEnvelope(w, r, http.StatusOK, protocol.Response{Data: data, StatusCode: apperrors.StatusSuccess})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, httpStatus := apperrors.StatusCodes(err)
	writeEnvelope(w, r, httpStatus, protocol.Response{StatusCode: status, StatusMessage: err.Error()})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, httpStatus int, env protocol.Response) {
	if ids, ok := correlation.FromContext(r.Context()); ok {
		env.RequestId, env.CorrelationId = ids.RequestId, ids.CorrelationId
	}
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(env)
}

// page applies offset/limit query parameters and sets the paging headers.
func page[T any](w http.ResponseWriter, r *http.Request, items []T) []T {
	total := len(items)
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	w.Header().Set("X-Limit", strconv.Itoa(limit))
	return items[offset:end]
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
