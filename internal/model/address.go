package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Address is a structured US property address. Values are expected to be
// canonicalized by the normalizer before a Lead enters dedup.
type Address struct {
	Street string `json:"street"`
	Unit   string `json:"unit,omitempty"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// IsZero reports whether no address component is set.
func (a Address) IsZero() bool {
	return a.Street == "" && a.Unit == "" && a.City == "" && a.State == "" && a.Zip == ""
}

// Canonical renders the single-line key used for fingerprinting, e.g.
// "123 main st apt 4, springfield, il 62701".
func (a Address) Canonical() string {
	var b strings.Builder
	b.WriteString(a.Street)
	if a.Unit != "" {
		b.WriteString(" ")
		b.WriteString(a.Unit)
	}
	b.WriteString(", ")
	b.WriteString(a.City)
	b.WriteString(", ")
	b.WriteString(a.State)
	if a.Zip != "" {
		b.WriteString(" ")
		b.WriteString(a.Zip)
	}
	return strings.ToLower(b.String())
}

// String returns a display form of the address.
func (a Address) String() string {
	parts := make([]string, 0, 3)
	street := a.Street
	if a.Unit != "" {
		street += " " + a.Unit
	}
	if street != "" {
		parts = append(parts, street)
	}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	stateZip := strings.TrimSpace(a.State + " " + a.Zip)
	if stateZip != "" {
		parts = append(parts, stateZip)
	}
	return strings.Join(parts, ", ")
}

// LatLng is an optional geographic point for a lead.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fingerprint is the coarse dedup bucket key: the first 16 hex characters
// of the SHA-256 of the canonical address. Leads at the same address share
// a fingerprint by construction.
func (a Address) Fingerprint() string {
	sum := sha256.Sum256([]byte(a.Canonical()))
	return hex.EncodeToString(sum[:])[:16]
}
