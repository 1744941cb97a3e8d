package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "unhealthy: "+err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleRecords handles GET /api/v1/records?state=<state>&limit=<n>
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	stateParam := r.URL.Query().Get("state")
	if stateParam == "" {
		writeError(w, http.StatusBadRequest, "state parameter is required")
		return
	}
	state, err := store.ParseState(stateParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
	}

	records := make([]*store.RelayRecord, 0)
	truncated := false
	for rec, err := range s.records.ListByState(r.Context(), state) {
		if err != nil {
			s.logger.Error().Err(err).Str("state", string(state)).Msg("failed to list records")
			writeError(w, http.StatusInternalServerError, "failed to list records")
			return
		}
		if len(records) == limit {
			truncated = true
			break
		}
		records = append(records, rec)
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Data:      records,
		Count:     len(records),
		Truncated: truncated,
		QueriedAt: time.Now().UTC(),
	})
}

// handleRecord handles GET /api/v1/records/{key}
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	key, err := store.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.records.Get(r.Context(), key)
	switch {
	case relayerrors.IsCode(err, relayerrors.ErrCodeNotFound):
		writeError(w, http.StatusNotFound, "record not found: "+key.String())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("key", key.String()).Msg("failed to get record")
		writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}

	writeJSON(w, http.StatusOK, QueryResponse{Data: rec, QueriedAt: time.Now().UTC()})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.records.CountByState(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to count records")
		writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Data: counts, QueriedAt: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
