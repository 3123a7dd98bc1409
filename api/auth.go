// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/luxfi/ledger/core/engine"
)

// authenticate is the auth gate: it yields the authenticated principal for
// a request, trying the client TLS certificate, then HTTP Basic, then HTTP
// Signature. Failure of whichever scheme the client attempted surfaces as
// ErrUnauthorized (403).
func (s *Server) authenticate(r *http.Request) (engine.Principal, error) {
	if p, ok, err := s.authenticateTLS(r); ok || err != nil {
		return p, err
	}
	if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Basic ") {
		return s.authenticateBasic(r)
	}
	if r.Header.Get("Signature") != "" {
		return s.authenticateSignature(r)
	}
	return engine.Principal{}, fmt.Errorf("%w: no credentials supplied", engine.ErrUnauthorized)
}

// authenticateTLS matches a presented client certificate against stored
// account fingerprints. Certificates are requested but not required at the
// TLS layer, so absence falls through to the header schemes.
func (s *Server) authenticateTLS(r *http.Request) (engine.Principal, bool, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return engine.Principal{}, false, nil
	}
	cert := r.TLS.PeerCertificates[0]
	if s.revoked(cert.SerialNumber.String()) {
		return engine.Principal{}, true, fmt.Errorf("%w: certificate revoked", engine.ErrUnauthorized)
	}
	sum := sha256.Sum256(cert.Raw)
	acct, err := s.engine.FindAccountByFingerprint(r.Context(), hex.EncodeToString(sum[:]))
	if err != nil {
		// An unknown certificate is not a hard failure; the client may
		// still carry header credentials.
		return engine.Principal{}, false, nil
	}
	return engine.Principal{Name: acct.Name, Admin: acct.IsAdmin}, true, nil
}

func (s *Server) authenticateBasic(r *http.Request) (engine.Principal, error) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return engine.Principal{}, fmt.Errorf("%w: malformed basic credentials", engine.ErrUnauthorized)
	}
	acct, err := s.engine.LookupAccount(r.Context(), name)
	if err != nil || acct.Password == "" {
		return engine.Principal{}, fmt.Errorf("%w: unknown account or password", engine.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(acct.Password), []byte(password)) != 1 {
		return engine.Principal{}, fmt.Errorf("%w: unknown account or password", engine.ErrUnauthorized)
	}
	return engine.Principal{Name: acct.Name, Admin: acct.IsAdmin}, nil
}

// authenticateSignature implements the hmac-sha256 profile of the HTTP
// Signatures draft: keyId names the account, the signing string is built
// from the listed headers with (request-target) expanded.
func (s *Server) authenticateSignature(r *http.Request) (engine.Principal, error) {
	params := parseSignatureHeader(r.Header.Get("Signature"))
	keyID, algorithm, sig := params["keyId"], params["algorithm"], params["signature"]
	if keyID == "" || sig == "" {
		return engine.Principal{}, fmt.Errorf("%w: malformed Signature header", engine.ErrUnauthorized)
	}
	if algorithm != "hmac-sha256" {
		return engine.Principal{}, fmt.Errorf("%w: unsupported signature algorithm %q", engine.ErrUnauthorized, algorithm)
	}
	acct, err := s.engine.LookupAccount(r.Context(), keyID)
	if err != nil || acct.HmacKey == "" {
		return engine.Principal{}, fmt.Errorf("%w: unknown signature key", engine.ErrUnauthorized)
	}

	headers := params["headers"]
	if headers == "" {
		headers = "date"
	}
	signingString, err := buildSigningString(r, strings.Fields(headers))
	if err != nil {
		return engine.Principal{}, fmt.Errorf("%w: %v", engine.ErrUnauthorized, err)
	}

	mac := hmac.New(sha256.New, []byte(acct.HmacKey))
	mac.Write([]byte(signingString))
	want := mac.Sum(nil)
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(want, got) {
		return engine.Principal{}, fmt.Errorf("%w: signature mismatch", engine.ErrUnauthorized)
	}
	return engine.Principal{Name: acct.Name, Admin: acct.IsAdmin}, nil
}

// parseSignatureHeader splits `k1="v1",k2="v2"` pairs.
func parseSignatureHeader(hdr string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(hdr, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[k] = strings.Trim(v, `"`)
	}
	return params
}

func buildSigningString(r *http.Request, headers []string) (string, error) {
	var lines []string
	for _, h := range headers {
		h = strings.ToLower(h)
		if h == "(request-target)" {
			lines = append(lines, fmt.Sprintf("(request-target): %s %s",
				strings.ToLower(r.Method), r.URL.RequestURI()))
			continue
		}
		val := r.Header.Get(h)
		if val == "" {
			return "", fmt.Errorf("signed header %q missing", h)
		}
		lines = append(lines, h+": "+val)
	}
	return strings.Join(lines, "\n"), nil
}
