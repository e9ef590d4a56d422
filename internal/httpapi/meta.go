package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleVessels(w http.ResponseWriter, r *http.Request) {
	vessels, err := s.opts.Meta.ListVessels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, vessels)
}

func (s *Server) handleVessel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid vessel id")
		return
	}
	v, err := s.opts.Meta.GetVessel(r.Context(), uint(id))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, v)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	var vesselID uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("vessel_id")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "invalid vessel_id")
			return
		}
		vesselID = id
	}
	stations, err := s.opts.Meta.ListStations(r.Context(), uint(vesselID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, stations)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.opts.Meta.ListSensors(r.Context(), strings.TrimSpace(r.URL.Query().Get("station_id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, sensors)
}
