// Copyright 2024 Google LLC
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

package msclient

import "fmt"

// Kind classifies an Error per spec.md §7's taxonomy.
type Kind int

const (
	// KindTransient is a network-layer failure (dial, TLS, timeout, EOF);
	// the uploader's deadline loop retries these implicitly by leaving the
	// update queued.
	KindTransient Kind = iota
	// KindLogical is an HTTP 202 envelope: the MS understood the request
	// and rejected it for a domain reason. Never retried automatically.
	KindLogical
	// KindProtocol is any other non-200/202 HTTP status, or a wire-decode
	// failure. Surfaced; not retried.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindLogical:
		return "logical"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the sum type spec.md §9's design notes call for in place of
// CURL's positive-errno / negative-errno convention: a CURL-style transport
// failure, a decoded logical error code from a 202 envelope, or a
// protocol-level failure (bad status code, malformed wire message).
type Error struct {
	Kind Kind

	// Code holds the decoded 202-body logical error (for KindLogical) or
	// the HTTP status code (for KindProtocol).
	Code int

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindLogical:
		return fmt.Sprintf("msclient: logical error %d", e.Code)
	case KindProtocol:
		return fmt.Sprintf("msclient: protocol error (http %d)", e.Code)
	default:
		return fmt.Sprintf("msclient: transient error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func transientError(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

func logicalError(code int) *Error {
	return &Error{Kind: KindLogical, Code: code}
}

func protocolError(status int, err error) *Error {
	return &Error{Kind: KindProtocol, Code: status, Err: err}
}
