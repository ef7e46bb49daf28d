package httpapi

import (
	"net/http"

	"evroaming/internal/apperrors"
	"evroaming/internal/correlation"
	"evroaming/internal/party"
	"evroaming/internal/protocol"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Command answers START_SESSION and STOP_SESSION synchronously; the result
// is the command response itself, response_url is not called back.
func (s *Server) Command(w http.ResponseWriter, r *http.Request) {
	caller, _ := party.FromContext(r.Context())
	command := chi.URLParam(r, "command")

	var res protocol.CommandResponse
	switch command {
	case "START_SESSION":
		var req protocol.StartSession
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Token.Uid == "" || req.LocationId == "" {
			writeError(w, r, apperrors.NewValidationError("MISSING_FIELDS", "token.uid and location_id are required"))
			return
		}
		res = s.Commands.StartSession(r.Context(), caller, req)
	case "STOP_SESSION":
		var req protocol.StopSession
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.SessionId == "" {
			writeError(w, r, apperrors.NewValidationError("MISSING_FIELDS", "session_id is required"))
			return
		}
		res = s.Commands.StopSession(r.Context(), caller, req)
	default:
		res = protocol.CommandResponse{Result: protocol.CommandNotSupported}
	}

	ids, _ := correlation.FromContext(r.Context())
	s.logger.Info("command",
		zap.String("command", command),
		zap.String("party", caller.ProviderId()),
		zap.String("result", string(res.Result)),
		zap.String("session_id", res.SessionId),
		zap.String("request_id", ids.RequestId))
	writeData(w, r, res)
}
