// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/store"
)

// errorBody is the wire form of every non-2xx response.
type errorBody struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// writeError maps engine and store errors onto the HTTP surface. Internal
// errors are logged with an opaque id that is the only detail clients see.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	var kind string
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		status, kind = http.StatusBadRequest, "InvalidRequestError"
	case errors.Is(err, engine.ErrUnauthorized):
		status, kind = http.StatusForbidden, "UnauthorizedError"
	case errors.Is(err, engine.ErrForbidden):
		status, kind = http.StatusForbidden, "ForbiddenError"
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status, kind = http.StatusNotFound, "NotFoundError"
	case errors.Is(err, engine.ErrInsufficientFunds):
		status, kind = http.StatusUnprocessableEntity, "InsufficientFundsError"
	case errors.Is(err, engine.ErrInvalidTransition):
		status, kind = http.StatusUnprocessableEntity, "InvalidModificationError"
	case errors.Is(err, engine.ErrUnprocessable):
		status, kind = http.StatusUnprocessableEntity, "UnprocessableEntityError"
	case errors.Is(err, store.ErrConflict):
		status, kind = http.StatusConflict, "ConflictError"
	default:
		opaque := uuid.NewString()
		s.log.Error("internal error", "id", opaque, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{
			ID:      "InternalError",
			Message: "internal error " + opaque,
		})
		return
	}
	s.writeJSON(w, status, errorBody{ID: kind, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("writing response", "err", err)
	}
}
