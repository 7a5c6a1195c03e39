// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package notary canonicalizes grievance content and computes and verifies
// the content hash that is anchored on the ledger.
package notary

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civicchain/gipe/grievance"
)

// DigestLength is the length of a hex encoded SHA-256 digest
const DigestLength = sha256.Size * 2

// TimestampLayout renders creation timestamps in UTC with millisecond precision
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var ErrMalformedDigest = errors.New("malformed content digest")

// canonicalContent fixes the field order of the canonical form. Struct fields
// are always marshalled in declaration order.
type canonicalContent struct {
	GrievanceID string `json:"grievanceId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SubmitterID string `json:"submitterId"`
	CreatedAt   string `json:"createdAt"`
}

// Canonical returns the canonical serialization of grievance content. This is
// the only serialization used for hashing.
func Canonical(c grievance.Content) []byte {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings cannot fail
	_ = enc.Encode(canonicalContent{
		GrievanceID: c.GrievanceID,
		Title:       c.Title,
		Description: c.Description,
		SubmitterID: c.SubmitterID,
		CreatedAt:   FormatTimestamp(c.CreatedAt),
	})
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// FormatTimestamp truncates to milliseconds and renders in UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

// ComputeHash returns the lowercase hex SHA-256 digest of the canonical form
func ComputeHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Hash is shorthand for ComputeHash(Canonical(c))
func Hash(c grievance.Content) string {
	return ComputeHash(Canonical(c))
}

type Status int

const (
	// StatusVerified means the recomputed digest matches the stored digest
	StatusVerified Status = iota + 1
	// StatusMismatch means the content changed since the digest was stored
	StatusMismatch
	// StatusError means the stored digest is unusable
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusMismatch:
		return "mismatch"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type Result struct {
	Err      error
	Stored   string
	Computed string
	Status   Status
}

// Verified reports whether the content matched
func (r Result) Verified() bool {
	return r.Status == StatusVerified
}

// Verify recomputes the digest of canonical and compares it with stored. The
// hex comparison ignores case. Verify has no side effects.
func Verify(stored string, canonical []byte) Result {
	res := Result{
		Stored:   stored,
		Computed: ComputeHash(canonical),
	}
	if err := ValidateDigest(stored); err != nil {
		res.Status = StatusError
		res.Err = grievance.NewError(grievance.KindIntegrity, "verify", err)
		return res
	}
	if strings.EqualFold(stored, res.Computed) {
		res.Status = StatusVerified
	} else {
		res.Status = StatusMismatch
	}
	return res
}

// ValidateDigest checks that a digest is 64 hex characters
func ValidateDigest(digest string) error {
	if len(digest) != DigestLength {
		return fmt.Errorf(
			"%w: expected %d hex characters, got %d",
			ErrMalformedDigest,
			DigestLength,
			len(digest),
		)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDigest, err)
	}
	return nil
}
