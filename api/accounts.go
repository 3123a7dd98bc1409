// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"

	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/core/types"
)

func (s *Server) renderAccount(v *types.AccountView) *types.AccountView {
	out := *v
	out.ID = s.baseURI + "/accounts/" + v.Name
	return &out
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, p engine.Principal, _ httprouter.Params) {
	views, err := s.engine.ListAccounts(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*types.AccountView, len(views))
	for i := range views {
		out[i] = s.renderAccount(&views[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, _ engine.Principal, ps httprouter.Params) {
	view, err := s.engine.GetAccount(r.Context(), ps.ByName("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.renderAccount(view))
}

// accountPutRequest is the wire form of an account upsert.
type accountPutRequest struct {
	Name        string           `json:"name"`
	Balance     *decimal.Decimal `json:"balance"`
	IsAdmin     bool             `json:"is_admin"`
	Password    string           `json:"password"`
	HmacKey     string           `json:"hmac_key"`
	Fingerprint string           `json:"fingerprint"`
}

func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params) {
	name := ps.ByName("name")

	var body accountPutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err))
		return
	}
	if body.Name == "" {
		body.Name = name
	}
	if body.Name != name {
		s.writeError(w, fmt.Errorf("%w: body name %q does not match path", engine.ErrInvalidRequest, body.Name))
		return
	}

	created, err := s.engine.PutAccount(r.Context(), p, &types.Account{
		Name:        body.Name,
		IsAdmin:     body.IsAdmin,
		Password:    body.Password,
		HmacKey:     body.HmacKey,
		Fingerprint: body.Fingerprint,
	}, body.Balance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.engine.GetAccount(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, s.renderAccount(view))
}
