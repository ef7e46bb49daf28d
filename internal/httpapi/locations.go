package httpapi

import (
	"net/http"

	"evroaming/internal/apperrors"

	"github.com/go-chi/chi/v5"
)

func (s *Server) ListLocations(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, page(w, r, s.Store.GetLocations()))
}

func (s *Server) GetLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "locationID")
	loc, ok := s.Store.TryGetLocation(id)
	if !ok {
		writeError(w, r, apperrors.NewUnknownLocationError("location "+id))
		return
	}
	writeData(w, r, loc)
}

func (s *Server) GetEVSE(w http.ResponseWriter, r *http.Request) {
	id, uid := chi.URLParam(r, "locationID"), chi.URLParam(r, "evseUID")
	evse, ok := s.Store.TryGetEVSE(id, uid)
	if !ok {
		writeError(w, r, apperrors.NewUnknownLocationError("evse "+uid))
		return
	}
	writeData(w, r, evse)
}
