// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/core/types"
)

func (s *Server) transferID(ps httprouter.Params) (string, error) {
	id, err := types.ParseTransferID(ps.ByName("id"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
	}
	return id, nil
}

// renderTransfer returns a response copy with the id absolutized under the
// configured base URI.
func (s *Server) renderTransfer(t *types.Transfer) *types.Transfer {
	out := *t
	out.ID = s.baseURI + "/transfers/" + t.ID
	return &out
}

// normalizeBodyID reconciles the body id with the path id: an omitted body
// id is set from the path; a present one must equal the path, either as the
// bare uuid or as the absolute URI form.
func (s *Server) normalizeBodyID(bodyID, pathID string) (string, error) {
	if bodyID == "" {
		return pathID, nil
	}
	trimmed := strings.TrimPrefix(bodyID, s.baseURI+"/transfers/")
	if strings.EqualFold(trimmed, pathID) {
		return pathID, nil
	}
	return "", fmt.Errorf("%w: body id %q does not match path", engine.ErrInvalidRequest, bodyID)
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request, _ engine.Principal, ps httprouter.Params) {
	id, err := s.transferID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.engine.GetTransfer(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.renderTransfer(t))
}

func (s *Server) handlePutTransfer(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	id, err := s.transferID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body types.Transfer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err))
		return
	}
	body.ID, err = s.normalizeBodyID(body.ID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, created, err := s.engine.UpsertTransfer(r.Context(), p, &body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, s.renderTransfer(result))
}

func (s *Server) handleGetTransferState(w http.ResponseWriter, r *http.Request, _ engine.Principal, ps httprouter.Params) {
	id, err := s.transferID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.engine.GetTransfer(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    s.baseURI + "/transfers/" + t.ID,
		"state": t.State,
	})
}

func (s *Server) handleGetFulfillment(w http.ResponseWriter, r *http.Request, _ engine.Principal, ps httprouter.Params) {
	id, err := s.transferID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fulfillment, err := s.engine.GetFulfillment(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(fulfillment)
}

func (s *Server) handlePutFulfillment(w http.ResponseWriter, r *http.Request, _ engine.Principal, ps httprouter.Params) {
	id, err := s.transferID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: reading body: %v", engine.ErrInvalidRequest, err))
		return
	}
	t, err := s.engine.Fulfill(r.Context(), id, json.RawMessage(raw))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.renderTransfer(t))
}
