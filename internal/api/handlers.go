package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/Klingon-tech/localchain/internal/registry"
	"github.com/Klingon-tech/localchain/internal/supervisor"
	"github.com/Klingon-tech/localchain/pkg/types"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IDResponse is returned by create and delete.
type IDResponse struct {
	ID uint64 `json:"id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// statusFor maps registry and supervisor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, supervisor.ErrBlockNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateID), errors.Is(err, registry.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func chainID(ps httprouter.Params) (uint64, bool) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleListChains(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleCreateChain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cfg types.ChainConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := s.reg.Create(cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IDResponse{ID: id})
}

func (s *Server) handleInspectChain(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	info, err := s.reg.Inspect(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// lifecycle adapts a registry operation to a handler that answers with
// the chain's configuration after the operation.
func (s *Server) lifecycle(op string, fn func(context.Context, uint64) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, ok := chainID(ps)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid chain id")
			return
		}
		// A client that hangs up must not abort a start halfway.
		if err := fn(context.WithoutCancel(r.Context()), id); err != nil {
			s.logger.Debug().Err(err).Str("op", op).Uint64("chain", id).Msg("Lifecycle operation failed")
			s.fail(w, r, err)
			return
		}
		cfg, err := s.reg.Get(id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func (s *Server) handleDeleteChain(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	if err := s.reg.Delete(context.WithoutCancel(r.Context()), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IDResponse{ID: id})
}

func (s *Server) handleRecentBlocks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	blocks, err := s.reg.RecentBlocks(id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	number, err := strconv.ParseUint(ps.ByName("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}

	b, err := s.reg.GetBlock(r.Context(), id, number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
