package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/jobs"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/ledger"
	"github.com/rustyeddy/walkforward/paper"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": s.Now().UTC()})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var j jobs.Job
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job document: "+err.Error())
		return
	}
	j, err := s.Queue.Submit(r.Context(), j)
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("submit job")
		writeError(w, http.StatusInternalServerError, "could not queue job")
		return
	}
	s.Metrics.ObserveJob(string(jobs.StatusPending))
	w.Header().Set("Location", "/jobs/"+j.ID)
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Queue.Get(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, j)
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "no results store configured")
		return
	}
	rs, err := s.Runs.GetRun(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, journal.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rs)
	}
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	if s.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "no ledger configured")
		return
	}
	open, err := s.Ledger.Store.ListOpen(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if open == nil {
		open = []ledger.Position{}
	}
	writeJSON(w, http.StatusOK, open)
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	if s.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "no ledger configured")
		return
	}
	trades, err := s.Ledger.Store.Trades(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

type closeRequest struct {
	Price float64 `json:"price"`
}

// closePosition settles a position by hand. Without a price the latest
// feed close is used. A position that is already closed answers 409.
func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	if s.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "no ledger configured")
		return
	}
	var req closeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid close request: "+err.Error())
			return
		}
	}
	if req.Price < 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	id := mux.Vars(r)["id"]
	tr, err := paper.CloseManual(r.Context(), s.Ledger, s.Feed, s.Timeframe, id, req.Price, s.ExitBandPct, s.Now())
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case guard.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	case tr == nil:
		writeError(w, http.StatusConflict, ledger.ErrConflict.Error())
	default:
		writeJSON(w, http.StatusOK, tr)
	}
}
