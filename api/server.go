// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api exposes the ledger over HTTP: the transfer, account,
// subscription and notification resources, and a websocket stream of
// per-account transfer events. Routing, CORS and body parsing live here;
// all semantics live in the engine.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/luxfi/log"
	"github.com/rs/cors"

	"github.com/luxfi/ledger/config"
	"github.com/luxfi/ledger/core/engine"
	"github.com/luxfi/ledger/metrics"
)

// Server is the HTTP front end.
type Server struct {
	engine  *engine.Engine
	log     log.Logger
	metrics *metrics.Metrics
	baseURI string

	hub *hub

	revokedMu      sync.RWMutex
	revokedSerials map[string]struct{}

	httpServer *http.Server
	tlsConfig  *tls.Config
}

// NewServer wires the routes and, when configured, the TLS material.
func NewServer(cfg *config.Config, e *engine.Engine, m *metrics.Metrics) (*Server, error) {
	s := &Server{
		engine:         e,
		log:            log.New("module", "api"),
		metrics:        m,
		baseURI:        cfg.BaseURI,
		hub:            newHub(),
		revokedSerials: make(map[string]struct{}),
	}

	if cfg.TLS.Enabled() {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsConfig
		if cfg.TLS.CRLFile != "" {
			if err := s.loadCRL(cfg.TLS.CRLFile); err != nil {
				return nil, err
			}
		}
	}

	router := httprouter.New()
	router.GET("/", s.noAuth(s.handleMetadata))
	router.GET("/health", s.noAuth(s.handleHealth))
	router.GET("/metrics", s.withAuth(s.handleMetrics))

	router.GET("/transfers/:id", s.withAuth(s.handleGetTransfer))
	router.PUT("/transfers/:id", s.withAuth(s.handlePutTransfer))
	router.GET("/transfers/:id/state", s.withAuth(s.handleGetTransferState))
	router.GET("/transfers/:id/fulfillment", s.withAuth(s.handleGetFulfillment))
	router.PUT("/transfers/:id/fulfillment", s.withAuth(s.handlePutFulfillment))

	router.GET("/accounts", s.withAuth(s.handleListAccounts))
	router.GET("/accounts/:name", s.withAuth(s.handleGetAccount))
	router.PUT("/accounts/:name", s.withAuth(s.handlePutAccount))
	router.GET("/accounts/:name/transfers", s.withAuth(s.handleAccountTransfersWS))

	router.GET("/subscriptions/:id", s.withAuth(s.handleGetSubscription))
	router.PUT("/subscriptions/:id", s.withAuth(s.handlePutSubscription))
	router.DELETE("/subscriptions/:id", s.withAuth(s.handleDeleteSubscription))
	router.GET("/subscriptions/:id/notifications/:nid", s.withAuth(s.handleGetNotification))

	handler := cors.AllowAll().Handler(router)
	s.httpServer = &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   handler,
		TLSConfig: s.tlsConfig,
	}

	// Transfer transitions stream out to connected websocket clients.
	e.Subscribe(s.hub.broadcast)
	return s, nil
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsConfig != nil {
			// Key material is already in TLSConfig.
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("ledger API listening", "addr", s.httpServer.Addr, "tls", s.tlsConfig != nil)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.hub.closeAll()
		return s.httpServer.Shutdown(context.Background())
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p engine.Principal, ps httprouter.Params)

// withAuth runs the auth gate before the handler.
func (s *Server) withAuth(h authedHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		p, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r, p, ps)
	}
}

func (s *Server) noAuth(h httprouter.Handle) httprouter.Handle { return h }

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"urls": map[string]string{
			"transfer":             s.baseURI + "/transfers/:id",
			"transfer_state":       s.baseURI + "/transfers/:id/state",
			"transfer_fulfillment": s.baseURI + "/transfers/:id/fulfillment",
			"account":              s.baseURI + "/accounts/:name",
			"account_transfers":    s.baseURI + "/accounts/:name/transfers",
			"subscription":         s.baseURI + "/subscriptions/:id",
		},
		"precision": "arbitrary",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, p engine.Principal, _ httprouter.Params) {
	if !p.Admin {
		s.writeError(w, fmt.Errorf("%w: metrics require admin", engine.ErrUnauthorized))
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in client CA file %s", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// loadCRL records revoked certificate serials; the auth gate consults them
// on every client-certificate authentication.
func (s *Server) loadCRL(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading CRL: %w", err)
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	crl, err := x509.ParseRevocationList(raw)
	if err != nil {
		return fmt.Errorf("parsing CRL: %w", err)
	}
	s.revokedMu.Lock()
	defer s.revokedMu.Unlock()
	for _, entry := range crl.RevokedCertificateEntries {
		s.revokedSerials[entry.SerialNumber.String()] = struct{}{}
	}
	return nil
}

func (s *Server) revoked(serial string) bool {
	s.revokedMu.RLock()
	defer s.revokedMu.RUnlock()
	_, ok := s.revokedSerials[serial]
	return ok
}
