// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// accountNameRE bounds names so they can serve as key-path segments.
var accountNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidAccountName reports whether name is usable as an account identifier.
func ValidAccountName(name string) bool {
	return accountNameRE.MatchString(name)
}

// Account is the stored account record. Balance and held funds live under
// their own key paths and are not part of this record; AccountView carries
// them on the API surface.
type Account struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin,omitempty"`

	// Authentication material. Password authenticates HTTP Basic, HmacKey
	// signs HTTP Signature requests, Fingerprint matches a client TLS
	// certificate. Any subset may be set.
	Password    string `json:"password,omitempty"`
	HmacKey     string `json:"hmac_key,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// AccountView is the API representation of an account: the record joined
// with its balances.
type AccountView struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
	Held    decimal.Decimal `json:"held"`
	IsAdmin bool            `json:"is_admin,omitempty"`
}
