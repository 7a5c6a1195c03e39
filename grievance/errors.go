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

package grievance

import (
	"errors"
	"fmt"
)

var (
	ErrMissingID        = errors.New("grievance id is required")
	ErrInvalidStatus    = errors.New("invalid grievance status")
	ErrMissingCreatedAt = errors.New("grievance creation timestamp is required")
	ErrMissingContent   = errors.New(
		"grievance content is required on first submission",
	)
	ErrContentMismatch = errors.New("grievance content belongs to another id")
	ErrNotFound        = errors.New("grievance not found")
	ErrInvalidEncoding = errors.New("grievance content is not valid UTF-8")
)

// ErrorKind classifies errors so callers can branch without string matching
type ErrorKind int

const (
	KindInvalidInput ErrorKind = iota + 1
	KindIntegrity
	KindLedgerUnavailable
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindIntegrity:
		return "IntegrityError"
	case KindLedgerUnavailable:
		return "LedgerUnavailable"
	case KindNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

type Error struct {
	err  error
	op   string
	kind ErrorKind
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{
		kind: kind,
		op:   op,
		err:  err,
	}
}

func (e *Error) Kind() ErrorKind {
	return e.kind
}

func (e *Error) Op() string {
	return e.op
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.op, e.kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.op, e.kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns the kind of the first *Error in the chain, or zero
func KindOf(err error) ErrorKind {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.kind
	}
	return 0
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
