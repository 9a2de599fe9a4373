package assertion

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Kind classifies a single defect found in a client assertion.
type Kind string

const (
	KindMalformed        Kind = "malformed"
	KindHeaderMissing    Kind = "header_missing"
	KindHeaderMismatch   Kind = "header_mismatch"
	KindClaimMissing     Kind = "claim_missing"
	KindClaimMismatch    Kind = "claim_mismatch"
	KindKeyNotFound      Kind = "key_not_found"
	KindSignatureInvalid Kind = "signature_invalid"
	KindReplayed         Kind = "replayed"
)

// Defect is one problem found while validating an assertion.
type Defect struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Result collects every defect found in one assertion. ClientID is set from
// the iss claim whenever the payload could be decoded.
type Result struct {
	ClientID string        `json:"client_id,omitempty"`
	Header   map[string]any `json:"-"`
	Claims   jwt.MapClaims  `json:"-"`
	Defects  []Defect       `json:"defects,omitempty"`
}

func (r *Result) add(kind Kind, msg string) {
	r.Defects = append(r.Defects, Defect{Kind: kind, Message: msg})
}

// Valid reports whether no defects were found.
func (r Result) Valid() bool {
	return len(r.Defects) == 0
}

// Has reports whether a defect of the given kind was recorded.
func (r Result) Has(kind Kind) bool {
	for _, d := range r.Defects {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// SignatureVerified reports whether the assertion was decodable and its
// signature checked out, regardless of any structural defects.
func (r Result) SignatureVerified() bool {
	return !r.Has(KindMalformed) && !r.Has(KindKeyNotFound) && !r.Has(KindSignatureInvalid)
}

// Messages returns the defect messages in the order they were found.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Defects))
	for _, d := range r.Defects {
		out = append(out, d.Message)
	}
	return out
}

// Err joins all defects into one error, or returns nil for a valid result.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return errors.New(strings.Join(r.Messages(), "; "))
}
