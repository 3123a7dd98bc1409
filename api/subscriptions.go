// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/core/types"
)

func (s *Server) subscriptionID(ps httprouter.Params) (string, error) {
	id, err := types.ParseTransferID(ps.ByName("id"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
	}
	return id, nil
}

func (s *Server) renderSubscription(sub *types.Subscription) *types.Subscription {
	out := *sub
	out.ID = s.baseURI + "/subscriptions/" + sub.ID
	return &out
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	id, err := s.subscriptionID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.engine.GetSubscription(r.Context(), p, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.renderSubscription(sub))
}

func (s *Server) handlePutSubscription(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	id, err := s.subscriptionID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var sub types.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err))
		return
	}
	switch trimmed := strings.TrimPrefix(sub.ID, s.baseURI+"/subscriptions/"); {
	case sub.ID == "":
		sub.ID = id
	case strings.EqualFold(trimmed, id):
		sub.ID = id
	default:
		s.writeError(w, fmt.Errorf("%w: body id %q does not match path", engine.ErrInvalidRequest, sub.ID))
		return
	}
	if sub.Owner == "" {
		sub.Owner = p.Name
	}

	created, err := s.engine.PutSubscription(r.Context(), p, &sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, s.renderSubscription(&sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	id, err := s.subscriptionID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.engine.GetSubscription(r.Context(), p, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.DeleteSubscription(r.Context(), p, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.renderSubscription(sub))
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	sid, err := s.subscriptionID(ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	nid, err := types.ParseTransferID(ps.ByName("nid"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err))
		return
	}
	n, err := s.engine.GetNotification(r.Context(), p, sid, nid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}
