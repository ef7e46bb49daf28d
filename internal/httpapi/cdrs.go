package httpapi

import (
	"net/http"

	"evroaming/internal/apperrors"
	"evroaming/internal/party"
	"evroaming/internal/protocol"

	"github.com/go-chi/chi/v5"
)

// ListCDRs returns the CDRs issued for the calling party only.
func (s *Server) ListCDRs(w http.ResponseWriter, r *http.Request) {
	caller, _ := party.FromContext(r.Context())
	stored := s.Store.GetCDRs(caller.ProviderId())
	cdrs := make([]protocol.CDR, 0, len(stored))
	for _, c := range stored {
		cdrs = append(cdrs, c.CDR)
	}
	writeData(w, r, page(w, r, cdrs))
}

func (s *Server) GetCDR(w http.ResponseWriter, r *http.Request) {
	caller, _ := party.FromContext(r.Context())
	id := chi.URLParam(r, "cdrID")
	c, ok := s.Store.TryGetCDR(id)
	// someone else's CDR looks exactly like a missing one
	if !ok || c.ProviderId != caller.ProviderId() {
		writeError(w, r, apperrors.NewNotFoundError("cdr "+id))
		return
	}
	writeData(w, r, c.CDR)
}
